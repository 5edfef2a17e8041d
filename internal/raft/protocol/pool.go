package protocol

import "sync"

// responsePool hands out responses in their zero state. Released responses are reset before they are reused.
type responsePool[R Response] struct {
	pool sync.Pool
}

func newResponsePool[R Response](newFn func() R) *responsePool[R] {
	p := &responsePool[R]{}
	p.pool.New = func() any { return newFn() }
	return p
}

func (p *responsePool[R]) get() R {
	return p.pool.Get().(R)
}

func (p *responsePool[R]) put(r R) {
	r.Reset()
	p.pool.Put(r)
}

var (
	registerResponses  = newResponsePool(func() *RegisterResponse { return new(RegisterResponse) })
	keepAliveResponses = newResponsePool(func() *KeepAliveResponse { return new(KeepAliveResponse) })
	commandResponses   = newResponsePool(func() *CommandResponse { return new(CommandResponse) })
	queryResponses     = newResponsePool(func() *QueryResponse { return new(QueryResponse) })
)

func AcquireRegisterResponse() *RegisterResponse  { return registerResponses.get() }
func ReleaseRegisterResponse(r *RegisterResponse) { registerResponses.put(r) }

func AcquireKeepAliveResponse() *KeepAliveResponse  { return keepAliveResponses.get() }
func ReleaseKeepAliveResponse(r *KeepAliveResponse) { keepAliveResponses.put(r) }

func AcquireCommandResponse() *CommandResponse  { return commandResponses.get() }
func ReleaseCommandResponse(r *CommandResponse) { commandResponses.put(r) }

func AcquireQueryResponse() *QueryResponse  { return queryResponses.get() }
func ReleaseQueryResponse(r *QueryResponse) { queryResponses.put(r) }
