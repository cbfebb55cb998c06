package mobile

/*
These types are exported and need to be implemented and used by the mobile
application.
*/

//------------------------------------------------------------------------------

// SignalHandler receives app signals emitted by zome code.
type SignalHandler interface {
	OnSignal(cellID string, payload []byte)
}

// ExceptionHandler receives fatal initialization errors.
type ExceptionHandler interface {
	OnException(string)
}
