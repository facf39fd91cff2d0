package nodekit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/julienschmidt/httprouter"
	"github.com/shirou/gopsutil/v3/mem"
)

// AdminServer is the secondary request/response surface used when the
// broker is unreachable: device info and a basic control endpoint.
// Control requests are queued into the supervisory loop, so they go
// through the exact same mutate/drive/publish/persist path as broker
// commands and never bypass persistence.
type AdminServer struct {
	Addr string

	// Connection reports the agent's combined link/session state for
	// the info payload; nil leaves the field out.
	Connection func() string

	identity DeviceIdentity
	enqueue  func(payload []byte) error
	bootTime time.Time
	server   *http.Server
	logger   *log.Logger
}

func NewAdminServer(addr string, identity DeviceIdentity, enqueue func(payload []byte) error) *AdminServer {
	return &AdminServer{
		Addr:     addr,
		identity: identity,
		enqueue:  enqueue,
		bootTime: time.Now(),
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "AdminServer: ",
			Level:  log.GetLevel(),
		}),
	}
}

func (as *AdminServer) Router() *httprouter.Router {
	router := httprouter.New()
	router.GET("/info", as.getInfo)
	router.POST("/control", as.postControl)
	return router
}

// Start serves until ctx is cancelled. Runs on its own goroutine; it
// stays up even when the agent is in broker fallback mode.
func (as *AdminServer) Start(ctx context.Context) {
	as.server = &http.Server{
		Addr:    as.Addr,
		Handler: as.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		as.server.Shutdown(shutdownCtx)
	}()

	go func() {
		err := as.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			as.logger.Error("admin server failed", "err", err)
		}
	}()
}

func (as *AdminServer) getInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	info := map[string]interface{}{
		"device_id":        as.identity.ID,
		"device_type":      as.identity.Class.Label,
		"firmware_version": as.identity.FirmwareVersion,
		"mac_address":      as.identity.Mac,
		"ip_address":       localIpAddr(),
		"uptime":           int64(time.Since(as.bootTime).Seconds()),
	}

	if as.Connection != nil {
		info["connection"] = as.Connection()
	}

	vmem, err := mem.VirtualMemory()
	if err == nil {
		info["free_heap"] = vmem.Available
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

func (as *AdminServer) postControl(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	request := struct {
		Power *bool `json:"power"`
	}{}

	err := json.NewDecoder(r.Body).Decode(&request)
	if err != nil || request.Power == nil {
		http.Error(w, "missing power parameter", http.StatusBadRequest)
		return
	}

	payload := fmt.Sprintf(`{"command":"set_power","parameters":{"power":%t}}`, *request.Power)
	err = as.enqueue([]byte(payload))
	if err != nil {
		http.Error(w, "device busy", http.StatusServiceUnavailable)
		return
	}

	w.Write([]byte("OK"))
}
