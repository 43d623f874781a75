package health

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/datastax/cql-interceptor/proxy/pkg/interceptor"
)

type Status string

const (
	UP      = Status("UP")
	DOWN    = Status("DOWN")
	STARTUP = Status("STARTUP")
)

type StatusReport struct {
	Status       Status
	RunningNodes []string
	OpenWorkers  int
}

func DefaultReadinessHandler() http.Handler {
	return ReadinessHandler(nil)
}

func ReadinessHandler(proxy *interceptor.InterceptorProxy) http.Handler {
	return http.HandlerFunc(func(rsp http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.NotFound(rsp, req)
			return
		}

		report := PerformHealthCheck(proxy)
		bytes, err := json.Marshal(report)
		if err != nil {
			uid := uuid.New()
			msg := fmt.Sprintf("Internal server error with code %v", uid)
			log.Errorf("Could not perform health check (code: %v): %v", uid, err)

			http.Error(rsp, msg, http.StatusInternalServerError)
			return
		}

		header := rsp.Header()
		header.Set("Content-Type", "application/json")
		if report.Status == UP {
			rsp.WriteHeader(http.StatusOK)
		} else {
			rsp.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = rsp.Write(bytes)
	})
}

func LivenessHandler() http.Handler {
	return http.HandlerFunc(func(rsp http.ResponseWriter, req *http.Request) {
		rsp.WriteHeader(http.StatusOK)
		_, _ = rsp.Write([]byte("OK"))
	})
}

func PerformHealthCheck(proxy *interceptor.InterceptorProxy) *StatusReport {
	if proxy == nil {
		return &StatusReport{Status: STARTUP}
	}

	status := DOWN
	if proxy.IsRunning() {
		status = UP
	}

	return &StatusReport{
		Status:       status,
		RunningNodes: proxy.RunningNodes(),
		OpenWorkers:  proxy.OpenWorkerCount(),
	}
}
