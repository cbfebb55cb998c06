package mobile

// MobileConfig keeps to the flat types the mobile bindings can carry.
type MobileConfig struct {
	GossipInterval int    // time between gossip rounds in milliseconds
	TCPTimeout     int    // TCP timeout in milliseconds
	MaxPool        int    // max number of pooled connections
	Redundancy     int    // target number of authorities per op
	StoreType      string // inmem or badger
	StorePath      string // directory containing the store DB
}

// NewMobileConfig builds a config from the bound fields.
func NewMobileConfig(gossipInterval int,
	tcpTimeout int,
	maxPool int,
	redundancy int,
	storeType string,
	storePath string) *MobileConfig {

	return &MobileConfig{
		GossipInterval: gossipInterval,
		TCPTimeout:     tcpTimeout,
		MaxPool:        maxPool,
		Redundancy:     redundancy,
		StoreType:      storeType,
		StorePath:      storePath,
	}
}

// DefaultMobileConfig returns the defaults used when the app passes nil.
func DefaultMobileConfig() *MobileConfig {
	return &MobileConfig{
		GossipInterval: 500,
		TCPTimeout:     1000,
		MaxPool:        2,
		Redundancy:     50,
		StoreType:      "inmem",
		StorePath:      "",
	}
}
