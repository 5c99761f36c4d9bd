// Package journal is the controller's append-only operational log. Each
// event is one line prefixed with a Unix timestamp, and every write is
// synced before it returns so a crash does not lose the last record.
package journal

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const banner = `################################################
##   vesselctl Deployment and Monitoring Log  ##
################################################
`

type syncer interface {
	Sync() error
}

// Journal writes timestamped lines to a single file.
type Journal struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	now    func() time.Time
	mirror logrus.FieldLogger
}

// Option configures a Journal.
type Option func(*Journal)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// WithMirror copies every entry to an operator logger at debug level.
func WithMirror(log logrus.FieldLogger) Option {
	return func(j *Journal) { j.mirror = log }
}

// Open creates or truncates the journal file at path.
func Open(path string, opts ...Option) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	j := New(f, opts...)
	j.closer = f
	return j, nil
}

// New wraps w. If w has a Sync method it is called after every write.
func New(w io.Writer, opts ...Option) *Journal {
	j := &Journal{w: w, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Header describes the run at the top of the journal.
type Header struct {
	Username      string
	Fingerprint   string
	RunID         string
	DesiredCount  int
	SlotType      string
	Program       string
	PublicAddress string
	NATType       string
}

// WriteHeader writes the banner and run description.
func (j *Journal) WriteHeader(h Header) error {
	var b strings.Builder
	b.WriteString(banner)
	b.WriteString("\n")
	fmt.Fprintf(&b, "User:                   %s\n", h.Username)
	fmt.Fprintf(&b, "Identity:               %s\n", h.Fingerprint)
	fmt.Fprintf(&b, "Run:                    %s\n", h.RunID)
	fmt.Fprintf(&b, "Program:                %s\n", h.Program)
	fmt.Fprintf(&b, "Vessel type:            %s\n", h.SlotType)
	fmt.Fprintf(&b, "Vessels to monitor:     %d\n", h.DesiredCount)
	if h.PublicAddress != "" {
		fmt.Fprintf(&b, "Public address:         %s (%s)\n", h.PublicAddress, h.NATType)
	}
	fmt.Fprintf(&b, "Time of start:          %s\n\n", Timestamp(j.now()))

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writeLocked(b.String())
}

// Printf appends one event line. Write failures are reported to the
// mirror logger; the journal has no caller to return them to.
func (j *Journal) Printf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	msg = strings.ReplaceAll(strings.TrimRight(msg, "\n"), "\n", `\n`)

	j.mu.Lock()
	defer j.mu.Unlock()
	line := Timestamp(j.now()) + ": " + msg + "\n"
	if err := j.writeLocked(line); err != nil && j.mirror != nil {
		j.mirror.WithError(err).Error("journal write failed")
	}
	if j.mirror != nil {
		j.mirror.WithField("journal", true).Debug(msg)
	}
}

func (j *Journal) writeLocked(s string) error {
	if _, err := io.WriteString(j.w, s); err != nil {
		return err
	}
	if f, ok := j.w.(syncer); ok {
		return f.Sync()
	}
	return nil
}

// Close closes the underlying file when the journal owns one.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closer == nil {
		return nil
	}
	err := j.closer.Close()
	j.closer = nil
	return err
}

// Timestamp formats t as Unix seconds with millisecond precision.
func Timestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMilli())/1000, 'f', 3, 64)
}
