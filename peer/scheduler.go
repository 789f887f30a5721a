package peer

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"

	"github.com/wisp92/peershare/internal/config"
	"github.com/wisp92/peershare/wire"
)

// --------------------------------------------------------------------------------------------- //

/*
Status is the terminal-state machine shared by a download and its
acknowledgement: Unknown until the step resolves, then Success or Failed.
*/
type Status int

const (
	StatusUnknown Status = iota
	StatusSuccess
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// --------------------------------------------------------------------------------------------- //

/*
Scheduler drives exactly one requested filename from issue to terminal status:
search the tracker, probe every provider for liveness, try the survivors in
round-trip order, and acknowledge the one that served the file. A scheduler
makes a single pass; there are no retries above the per-provider level.

Fields:
  - filename: The file being fetched.
  - trackerAddr, sessionID: How to talk to the tracker.
  - sharedDir: Where the fetched file is written.
  - downloadStatus, ackStatus: Terminal statuses of the two sub-tasks.
  - provider: The provider that served the file, once one succeeded.
*/
type Scheduler struct {
	filename    string
	trackerAddr string
	sharedDir   string
	sessionID   int32
	cfg         *config.Config

	mu             sync.Mutex
	downloadStatus Status
	ackStatus      Status
	provider       wire.Provider

	done chan struct{}
}

// --------------------------------------------------------------------------------------------- //

func newScheduler(filename, trackerAddr, sharedDir string, sessionID int32, cfg *config.Config) *Scheduler {
	return &Scheduler{
		filename:    filename,
		trackerAddr: trackerAddr,
		sharedDir:   sharedDir,
		sessionID:   sessionID,
		cfg:         cfg,
		done:        make(chan struct{}),
	}
}

// --------------------------------------------------------------------------------------------- //

/*
Run executes the single scheduling pass. Individual provider failures never
fail the pass; the scheduler simply moves to the next provider. The pass fails
only when the search fails or comes back empty, when every provider was
exhausted, or when the fetched file cannot be written.

Returns:
  - None: Terminal state is left in the scheduler's statuses.
*/
func (s *Scheduler) Run() {
	defer close(s.done)

	providers, ok := s.search()
	if !ok || len(providers) == 0 {
		log.Infof("Download %q: no providers", s.filename)
		s.setDownload(StatusFailed, wire.Provider{})
		return
	}

	ranked := s.probe(providers)
	if len(ranked) == 0 {
		log.Infof("Download %q: no provider answered the liveness probe", s.filename)
		s.setDownload(StatusFailed, wire.Provider{})
		return
	}

	for _, prov := range ranked {
		data, err := s.download(prov)
		if err != nil {
			log.Infof("Download %q from %s: %v", s.filename, providerAddr(prov), err)
			continue
		}

		if err := s.writeFile(data); err != nil {
			log.Errorf("Download %q: %v", s.filename, err)
			s.setDownload(StatusFailed, wire.Provider{})
			return
		}

		log.Infof("Download %q: %d bytes from %q at %s", s.filename, len(data), prov.Username, providerAddr(prov))
		s.setDownload(StatusSuccess, prov)
		s.acknowledge(prov)

		return
	}

	s.setDownload(StatusFailed, wire.Provider{})
}

// --------------------------------------------------------------------------------------------- //

// Wait blocks until the scheduler reaches a terminal status.
func (s *Scheduler) Wait() {
	<-s.done
}

// Statuses returns the download and acknowledgement statuses.
func (s *Scheduler) Statuses() (download, ack Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.downloadStatus, s.ackStatus
}

// Provider returns the provider that served the file, meaningful once the
// download status is Success.
func (s *Scheduler) Provider() wire.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.provider
}

// --------------------------------------------------------------------------------------------- //

func (s *Scheduler) search() ([]wire.Provider, bool) {
	req, err := wire.NewRequest(wire.Search, wire.SearchRequest{
		SessionID: int64(s.sessionID),
		Filename:  s.filename,
	})
	if err != nil {
		return nil, false
	}

	rep, err := wire.Call(s.trackerAddr, s.cfg.ConnectTimeout, s.cfg.IOTimeout, req)
	if err != nil {
		log.Infof("Search %q failed: %v", s.filename, err)
		return nil, false
	}

	var result wire.SearchResult
	if err := wire.DecodePayload(rep.Payload, &result); err != nil {
		log.Warnf("Search %q: bad reply: %v", s.filename, err)
		return nil, false
	}

	return result.Providers, true
}

// --------------------------------------------------------------------------------------------- //

/*
probe measures the liveness round-trip of every distinct provider endpoint in
parallel, each bounded by the check-alive threshold. A timeout or error counts
as threshold+1; providers above the threshold are discarded and the survivors
come back sorted by ascending round-trip time.

Parameters:
  - providers: The search result to rank.

Returns:
  - []wire.Provider: Live providers, fastest first.
*/
func (s *Scheduler) probe(providers []wire.Provider) []wire.Provider {
	threshold := s.cfg.CheckAliveThreshold

	rtts := make(map[string]time.Duration)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, prov := range providers {
		addr := providerAddr(prov)

		mu.Lock()
		_, seen := rtts[addr]
		if !seen {
			rtts[addr] = threshold + 1
		}
		mu.Unlock()

		if seen {
			continue
		}

		wg.Add(1)
		go func(addr string) {
			defer wg.Done()

			rtt := CheckAlive(addr, threshold)

			mu.Lock()
			rtts[addr] = rtt
			mu.Unlock()
		}(addr)
	}

	wg.Wait()

	ranked := make([]wire.Provider, 0, len(providers))
	for _, prov := range providers {
		if rtts[providerAddr(prov)] <= threshold {
			ranked = append(ranked, prov)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return rtts[providerAddr(ranked[i])] < rtts[providerAddr(ranked[j])]
	})

	return ranked
}

// --------------------------------------------------------------------------------------------- //

/*
CheckAlive probes one endpoint with a CheckAlive round-trip bounded by the
threshold. Expiry is not an error, it is a negative liveness signal: any
failure or overrun reports threshold+1.

Parameters:
  - addr: Endpoint in host:port form.
  - threshold: Bound on the whole probe.

Returns:
  - time.Duration: The measured round-trip, or threshold+1.
*/
func CheckAlive(addr string, threshold time.Duration) time.Duration {
	dead := threshold + 1
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, threshold)
	if err != nil {
		return dead
	}
	defer conn.Close()

	deadline := start.Add(threshold)
	conn.SetDeadline(deadline)

	req, err := wire.NewRequest(wire.CheckAlive, nil)
	if err != nil {
		return dead
	}

	if err := wire.WriteRequest(conn, req); err != nil {
		return dead
	}

	rep, err := wire.ReadReply(conn)
	if err != nil || rep.Status != wire.Success {
		return dead
	}

	rtt := time.Since(start)
	if rtt > threshold {
		return dead
	}

	return rtt
}

// --------------------------------------------------------------------------------------------- //

func (s *Scheduler) download(prov wire.Provider) ([]byte, error) {
	req, err := wire.NewRequest(wire.SimpleDownload, wire.DownloadRequest{Filename: s.filename})
	if err != nil {
		return nil, err
	}

	rep, err := wire.Call(providerAddr(prov), s.cfg.ConnectTimeout, s.cfg.IOTimeout, req)
	if err != nil {
		return nil, err
	}

	var file wire.FileData
	if err := wire.DecodePayload(rep.Payload, &file); err != nil {
		return nil, err
	}

	return []byte(file.Data), nil
}

// --------------------------------------------------------------------------------------------- //

/*
writeFile writes the downloaded bytes under the shared directory. The file must
not exist yet; the peer never schedules a filename it already has, and the
exclusive create keeps a racing writer from clobbering it.

Parameters:
  - data: The downloaded file contents.

Returns:
  - error: Non-nil if the file exists or the write fails.
*/
func (s *Scheduler) writeFile(data []byte) error {
	path := filepath.Join(s.sharedDir, s.filename)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("Creating %s: %v", path, err)
	}
	defer f.Close()

	bar := progressbar.DefaultBytes(int64(len(data)), s.filename)

	_, err = io.Copy(io.MultiWriter(f, bar), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("Writing %s: %v", path, err)
	}

	return nil
}

// --------------------------------------------------------------------------------------------- //

func (s *Scheduler) acknowledge(prov wire.Provider) {
	req, err := wire.NewRequest(wire.Acknowledge, wire.AckRequest{
		SessionID: int64(s.sessionID),
		Username:  prov.Username,
		Filename:  s.filename,
	})
	if err != nil {
		s.setAck(StatusFailed)
		return
	}

	_, err = wire.Call(s.trackerAddr, s.cfg.ConnectTimeout, s.cfg.IOTimeout, req)
	if err != nil {
		log.Infof("Acknowledge %q: %v", s.filename, err)
		s.setAck(StatusFailed)
		return
	}

	s.setAck(StatusSuccess)
}

// --------------------------------------------------------------------------------------------- //

func (s *Scheduler) setDownload(status Status, prov wire.Provider) {
	s.mu.Lock()
	s.downloadStatus = status
	s.provider = prov
	s.mu.Unlock()
}

func (s *Scheduler) setAck(status Status) {
	s.mu.Lock()
	s.ackStatus = status
	s.mu.Unlock()
}

// --------------------------------------------------------------------------------------------- //

func providerAddr(prov wire.Provider) string {
	return net.JoinHostPort(prov.Host, strconv.Itoa(prov.Port))
}

// --------------------------------------------------------------------------------------------- //
