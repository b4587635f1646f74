package mqtt

import "sync"

// callbacks is the per-connection hook registry. Lists are copied out so hooks
// registered during a dispatch round take effect from the next round.
type callbacks struct {
	mu               sync.Mutex
	onConnect        []OnConnectHook
	beforeDisconnect []BeforeDisconnectHook
	onDisconnect     []OnDisconnectHook
}

func (r *callbacks) addOnConnect(h OnConnectHook) {
	r.mu.Lock()
	r.onConnect = append(r.onConnect, h)
	r.mu.Unlock()
}

func (r *callbacks) addBeforeDisconnect(h BeforeDisconnectHook) {
	r.mu.Lock()
	r.beforeDisconnect = append(r.beforeDisconnect, h)
	r.mu.Unlock()
}

func (r *callbacks) addOnDisconnect(h OnDisconnectHook) {
	r.mu.Lock()
	r.onDisconnect = append(r.onDisconnect, h)
	r.mu.Unlock()
}

func (r *callbacks) onConnectHooks() []OnConnectHook {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]OnConnectHook(nil), r.onConnect...)
}

func (r *callbacks) beforeDisconnectHooks() []BeforeDisconnectHook {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BeforeDisconnectHook(nil), r.beforeDisconnect...)
}

func (r *callbacks) onDisconnectHooks() []OnDisconnectHook {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]OnDisconnectHook(nil), r.onDisconnect...)
}

func (r *callbacks) clear() {
	r.mu.Lock()
	r.onConnect, r.beforeDisconnect, r.onDisconnect = nil, nil, nil
	r.mu.Unlock()
}
