package net

// RPCResponse carries a reply and a potential error back to the transport.
type RPCResponse struct {
	Response interface{}
	Error    error
}

// RPC is one inbound request. The serve loop answers through RespChan;
// Respond must be called exactly once per RPC.
type RPC struct {
	Command  interface{}
	RespChan chan<- RPCResponse
}

// Respond answers the request with a response, an error, or both.
func (r *RPC) Respond(resp interface{}, err error) {
	r.RespChan <- RPCResponse{Response: resp, Error: err}
}
