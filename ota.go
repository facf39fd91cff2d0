package nodekit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/disk"
)

type OTAState int

const (
	OtaIdle OTAState = iota
	OtaDownloading
	OtaApplying
	OtaSucceeded
	OtaFailed
)

func (st OTAState) String() string {
	switch st {
	case OtaIdle:
		return "idle"
	case OtaDownloading:
		return "downloading"
	case OtaApplying:
		return "applying"
	case OtaSucceeded:
		return "succeeded"
	case OtaFailed:
		return "failed"
	}
	return "unknown"
}

// OTADirective arrives on the ota topic. Version and checksum are
// optional inputs to the verification step.
type OTADirective struct {
	Action   string `json:"action"`
	URL      string `json:"url,omitempty"`
	Version  string `json:"version,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

const otaErrorTransport = "transport"
const otaErrorStorage = "storage"
const otaErrorVerification = "verification"
const otaNoUpdate = "no_update"

const defaultFetchTimeout = 60 * time.Second
const defaultOtaRestartDelay = 2 * time.Second

type otaStatusPayload struct {
	DeviceId       string `json:"device_id"`
	JobId          string `json:"job_id,omitempty"`
	Status         string `json:"status"`
	Progress       *int   `json:"progress,omitempty"`
	Error          string `json:"error,omitempty"`
	CurrentVersion string `json:"current_version,omitempty"`
}

// OTAExecutor runs remote firmware updates as a strictly sequential
// state machine, advanced at most once per supervisory cycle. Only one
// operation can be in flight; directives arriving mid operation are
// logged and dropped. Every failure leaves the running firmware
// untouched and the executor back at idle.
type OTAExecutor struct {
	FetchTimeout time.Duration
	RestartDelay time.Duration
	StagingDir   string
	TargetPath   string

	// OnProgress fires as download bytes arrive. The supervisory loop
	// points it at the watchdog feed, so a slow fetch that still moves
	// data does not read as a stalled loop.
	OnProgress func()

	identity  DeviceIdentity
	topics    Topics
	conn      BrokerConn
	restarter Restarter

	state      OTAState
	pending    *OTADirective
	jobId      string
	stagedPath string
	logger     *log.Logger
}

func NewOTAExecutor(identity DeviceIdentity, topics Topics, conn BrokerConn, restarter Restarter) *OTAExecutor {
	target, err := os.Executable()
	if err != nil {
		target = os.Args[0]
	}

	return &OTAExecutor{
		FetchTimeout: defaultFetchTimeout,
		RestartDelay: defaultOtaRestartDelay,
		StagingDir:   filepath.Dir(target),
		TargetPath:   target,
		identity:     identity,
		topics:       topics,
		conn:         conn,
		restarter:    restarter,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "OTAExecutor: ",
			Level:  log.GetLevel(),
		}),
	}
}

func (ex *OTAExecutor) State() OTAState {
	return ex.state
}

// HandleDirective processes one raw ota topic payload. A check
// directive is answered synchronously and never touches the state
// machine; an update directive is queued for the next Advance.
func (ex *OTAExecutor) HandleDirective(payload []byte) {
	directive := OTADirective{}
	err := json.Unmarshal(payload, &directive)
	if err != nil {
		ex.logger.Warn("dropping malformed ota directive", "err", err)
		return
	}

	switch directive.Action {
	case "check":
		ex.publishCheck()

	case "update":
		if ex.state != OtaIdle || ex.pending != nil {
			ex.logger.Warn("update already in flight, ignoring directive", "state", ex.state)
			return
		}
		if len(directive.URL) == 0 {
			ex.logger.Warn("dropping update directive without url")
			return
		}
		ex.pending = &directive
		ex.jobId = uuid.NewString()
		ex.logger.Info("update directive accepted", "url", directive.URL, "job", ex.jobId)

	default:
		ex.logger.Warn("ignoring unknown ota action", "action", directive.Action)
	}
}

// Advance moves the state machine by at most one transition. Called
// once per supervisory cycle.
func (ex *OTAExecutor) Advance(ctx context.Context) {
	switch ex.state {
	case OtaIdle:
		if ex.pending == nil {
			return
		}
		if len(ex.pending.Version) > 0 && ex.pending.Version == ex.identity.FirmwareVersion {
			ex.logger.Info("already running requested version", "version", ex.pending.Version)
			ex.publishStatus(otaStatusPayload{Status: otaNoUpdate})
			ex.reset()
			return
		}
		ex.state = OtaDownloading
		progress := 0
		ex.publishStatus(otaStatusPayload{Status: "updating", Progress: &progress})

	case OtaDownloading:
		category, err := ex.download(ctx)
		switch {
		case err == nil:
			ex.state = OtaApplying
		case category == otaNoUpdate:
			ex.logger.Info("source reports no update available")
			ex.publishStatus(otaStatusPayload{Status: otaNoUpdate})
			ex.reset()
		default:
			ex.fail(category, err)
		}

	case OtaApplying:
		err := ex.apply()
		if err != nil {
			ex.fail(otaErrorStorage, err)
			return
		}
		ex.state = OtaSucceeded
		ex.publishStatus(otaStatusPayload{Status: "success"})
		ex.logger.Info("firmware applied, restarting", "job", ex.jobId)

	case OtaSucceeded:
		time.Sleep(ex.RestartDelay)
		ex.restarter.Restart("firmware update applied")
	}
}

// download fetches the image into the staging file, bounded by the
// fetch timeout, and verifies size, free space and optional checksum.
// The returned category classifies the failure for the status publish.
func (ex *OTAExecutor) download(ctx context.Context) (category string, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, ex.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, ex.pending.URL, nil)
	if err != nil {
		return otaErrorTransport, errors.Wrap(err, "failed to prepare firmware request")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return otaErrorTransport, errors.Wrap(err, "firmware source unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return otaNoUpdate, errors.New("source returned not modified")
	}
	if resp.StatusCode >= 300 {
		return otaErrorTransport, errors.Errorf("firmware source returned status %d", resp.StatusCode)
	}

	if resp.ContentLength > 0 {
		usage, usageErr := disk.Usage(ex.StagingDir)
		if usageErr == nil && usage.Free < uint64(resp.ContentLength)*2 {
			return otaErrorStorage, errors.Errorf("not enough free space for image of %d bytes", resp.ContentLength)
		}
	}

	staged := filepath.Join(ex.StagingDir, "firmware-"+ex.jobId+".bin")
	file, err := os.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0755)
	if err != nil {
		return otaErrorStorage, errors.Wrap(err, "failed to create staging file")
	}

	hash := sha256.New()
	body := &progressReader{reader: resp.Body, progress: ex.OnProgress}
	written, err := io.Copy(io.MultiWriter(file, hash), body)
	closeErr := file.Close()
	if err != nil {
		os.Remove(staged)
		return otaErrorTransport, errors.Wrap(err, "firmware download interrupted")
	}
	if closeErr != nil {
		os.Remove(staged)
		return otaErrorStorage, errors.Wrap(closeErr, "failed to close staging file")
	}

	if written == 0 {
		os.Remove(staged)
		return otaErrorVerification, errors.New("received empty firmware image")
	}

	if len(ex.pending.Checksum) > 0 {
		sum := hex.EncodeToString(hash.Sum(nil))
		if sum != ex.pending.Checksum {
			os.Remove(staged)
			return otaErrorVerification, errors.Errorf("checksum mismatch: got %s", sum)
		}
	}

	ex.stagedPath = staged
	return "", nil
}

// apply swaps the staged image over the running binary with a rename,
// so a failure at any point leaves the previous firmware in place.
func (ex *OTAExecutor) apply() error {
	err := os.Chmod(ex.stagedPath, 0755)
	if err != nil {
		return errors.Wrap(err, "failed to mark staged image executable")
	}

	err = os.Rename(ex.stagedPath, ex.TargetPath)
	if err != nil {
		os.Remove(ex.stagedPath)
		return errors.Wrap(err, "failed to swap staged image in")
	}

	return nil
}

func (ex *OTAExecutor) fail(category string, err error) {
	ex.logger.Error("update failed", "category", category, "err", err, "job", ex.jobId)
	ex.state = OtaFailed
	ex.publishStatus(otaStatusPayload{Status: "failed", Error: category})
	ex.reset()
}

func (ex *OTAExecutor) reset() {
	ex.state = OtaIdle
	ex.pending = nil
	ex.jobId = ""
	ex.stagedPath = ""
}

// progressReader reports every chunk read from the wrapped stream.
type progressReader struct {
	reader   io.Reader
	progress func()
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 && pr.progress != nil {
		pr.progress()
	}
	return
}

func (ex *OTAExecutor) publishCheck() {
	status := "ready_for_update"
	if ex.state != OtaIdle {
		status = "updating"
	}

	ex.publishStatus(otaStatusPayload{
		Status:         status,
		CurrentVersion: ex.identity.FirmwareVersion,
	})
}

func (ex *OTAExecutor) publishStatus(payload otaStatusPayload) {
	payload.DeviceId = ex.identity.ID
	if len(payload.JobId) == 0 && len(ex.jobId) > 0 && payload.Status != "ready_for_update" {
		payload.JobId = ex.jobId
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		ex.logger.Error("failed to marshal ota status", "err", err)
		return
	}

	err = ex.conn.Publish(ex.topics.Status, raw, false)
	if err != nil {
		ex.logger.Debug("ota status publish skipped", "err", err)
	}
}
