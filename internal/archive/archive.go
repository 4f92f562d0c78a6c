// Package archive keeps a copy of each recording: the session audio as a
// 16 kHz WAV and a JSON sidecar with the transcript, paired by correlation
// id and pruned by age and count.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meeting-voice-lab/internal/audio"
	"github.com/meeting-voice-lab/internal/logging"
	"github.com/meeting-voice-lab/internal/transcript"
)

// SampleRate of archived audio.
const SampleRate = 16000

var ErrNotFound = errors.New("archive: sidecar not found")

// Sidecar is the JSON written next to each WAV.
type Sidecar struct {
	CorrelationID string    `json:"correlation_id"`
	SessionID     string    `json:"session_id,omitempty"`
	Provider      string    `json:"provider,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	WavPath       string    `json:"wav_path,omitempty"`
	SampleRate    int       `json:"sample_rate"`
	DurationMs    int       `json:"duration_ms"`
	Segments      []string  `json:"segments"`
	Text          string    `json:"text"`
	Error         string    `json:"error,omitempty"`
}

// Recorder accumulates captured frames as 16 kHz PCM. Add is safe to call
// from the capture goroutine while another goroutine saves.
type Recorder struct {
	SessionID string
	Provider  string

	mu      sync.Mutex
	enc     audio.Encoder
	pcm     []byte
	started time.Time
}

func NewRecorder(sessionID, provider string) *Recorder {
	return &Recorder{
		SessionID: sessionID,
		Provider:  provider,
		enc:       audio.Encoder{TargetRate: SampleRate},
	}
}

// Add is an audio frame tap.
func (r *Recorder) Add(f audio.Frame) {
	pcm := r.enc.Encode(f)
	r.mu.Lock()
	if r.started.IsZero() {
		r.started = time.Now()
	}
	r.pcm = append(r.pcm, pcm...)
	r.mu.Unlock()
}

// DurationMs of the audio recorded so far.
func (r *Recorder) DurationMs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pcm) / 2 * 1000 / SampleRate
}

// Store writes recordings into Dir.
type Store struct {
	Dir string

	mu sync.Mutex
}

// NewStore returns nil when dir is empty; a nil Store is a no-op.
func NewStore(dir string) *Store {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	return &Store{Dir: dir}
}

// Save writes the recorder's audio and the transcript state. It returns the
// sidecar that was written.
func (s *Store) Save(r *Recorder, st transcript.State) (Sidecar, error) {
	if s == nil {
		return Sidecar{}, nil
	}
	r.mu.Lock()
	pcm := append([]byte(nil), r.pcm...)
	started := r.started
	r.mu.Unlock()

	now := time.Now()
	if started.IsZero() {
		started = now
	}
	cid := uuid.NewString()
	base := filepath.Join(s.Dir, fmt.Sprintf("%s-cid%s", started.UTC().Format("20060102T150405Z"), cid))
	sc := Sidecar{
		CorrelationID: cid,
		SessionID:     r.SessionID,
		Provider:      r.Provider,
		StartedAt:     started.UTC(),
		EndedAt:       now.UTC(),
		SampleRate:    SampleRate,
		DurationMs:    len(pcm) / 2 * 1000 / SampleRate,
		Segments:      append([]string{}, st.Segments...),
		Text:          st.Text(),
	}
	if st.Err != nil {
		sc.Error = st.Err.Error()
	}
	if len(pcm) > 0 {
		sc.WavPath = base + ".wav"
		if err := SaveFileAtomic(sc.WavPath, audio.WAV(pcm, SampleRate, 1, 16), 0o644); err != nil {
			return sc, fmt.Errorf("archive: write wav: %w", err)
		}
	}
	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return sc, err
	}
	if err := SaveFileAtomic(base+".json", b, 0o644); err != nil {
		return sc, fmt.Errorf("archive: write sidecar: %w", err)
	}
	logging.Infow("archive: saved recording", "correlation_id", cid, "path", base+".json", "duration_ms", sc.DurationMs, "segments", len(sc.Segments))
	return sc, nil
}

// Find returns the sidecar path for cid.
func (s *Store) Find(cid string) (string, error) {
	if s == nil || cid == "" {
		return "", ErrNotFound
	}
	files, err := os.ReadDir(s.Dir)
	if err != nil {
		return "", err
	}
	for _, fi := range files {
		name := fi.Name()
		if strings.HasSuffix(name, ".json") && strings.Contains(name, "cid"+cid) {
			return filepath.Join(s.Dir, name), nil
		}
	}
	for _, fi := range files {
		if !strings.HasSuffix(fi.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.Dir, fi.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			logging.Debugw("archive: skipping unreadable sidecar", "path", path, "err", err)
			continue
		}
		var sc map[string]interface{}
		if json.Unmarshal(b, &sc) == nil && sc["correlation_id"] == cid {
			return path, nil
		}
	}
	return "", ErrNotFound
}

// Merge adds keys to the sidecar for cid and rewrites it atomically.
func (s *Store) Merge(cid string, updates map[string]interface{}) error {
	if s == nil {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.Find(cid)
	if err != nil {
		return fmt.Errorf("%w: cid=%s", err, cid)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("archive: read %s: %w", path, err)
	}
	var sc map[string]interface{}
	if err := json.Unmarshal(b, &sc); err != nil {
		return fmt.Errorf("archive: invalid sidecar %s: %w", path, err)
	}
	for k, v := range updates {
		sc[k] = v
	}
	nb, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	if err := SaveFileAtomic(path, nb, 0o644); err != nil {
		return fmt.Errorf("archive: write %s: %w", path, err)
	}
	logging.Debugw("archive: sidecar updated", "path", path, "correlation_id", cid)
	return nil
}
