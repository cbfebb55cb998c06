// Package config defines the configuration for a Holon conductor.
//
// Regardless of how Holon is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object defined
// in this package to store and forward configuration options. On top of these
// configuration options, Holon relies on a data directory, defined by
// Config.DataDir, where it expects to find a few additional files:
//
//  priv_key  // a plain text file containing the raw private key (cf. holon keygen).
//  badger_db // when the store option is set, one Badger database per cell.
//  holon.log // a JSON copy of the log output.
package config
