package httpinterceptor

import (
	"net/http"
	"sync"
)

// HandlerWithFallback serves a default handler until the real one becomes
// available, e.g. the metrics endpoint before the proxy has finished its
// (possibly retried) startup.
type HandlerWithFallback struct {
	rwMutex        sync.RWMutex
	handler        http.Handler
	defaultHandler http.Handler
}

func NewHandlerWithFallback(defaultHandler http.Handler) *HandlerWithFallback {
	return &HandlerWithFallback{
		defaultHandler: defaultHandler,
	}
}

func (h *HandlerWithFallback) SetHandler(handler http.Handler) {
	h.rwMutex.Lock()
	h.handler = handler
	h.rwMutex.Unlock()
}

func (h *HandlerWithFallback) ClearHandler() {
	h.rwMutex.Lock()
	h.handler = nil
	h.rwMutex.Unlock()
}

func (h *HandlerWithFallback) Handler() http.Handler {
	return http.HandlerFunc(func(rsp http.ResponseWriter, req *http.Request) {
		h.rwMutex.RLock()
		handler := h.handler
		h.rwMutex.RUnlock()

		if handler != nil {
			handler.ServeHTTP(rsp, req)
		} else {
			h.defaultHandler.ServeHTTP(rsp, req)
		}
	})
}
