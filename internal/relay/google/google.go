// Package google implements relay.Recognizer on Google Cloud Speech-to-Text
// streaming recognition.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/meeting-voice-lab/internal/config"
	"github.com/meeting-voice-lab/internal/logging"
	"github.com/meeting-voice-lab/internal/relay"
)

// Config selects the recognition model and the service credential.
type Config struct {
	LanguageCode    string
	Model           string
	SampleRate      int
	Punctuation     bool
	InterimResults  bool
	CredentialsJSON string
	CredentialsFile string
}

// FromRelay maps relay configuration.
func FromRelay(c config.Relay) Config {
	return Config{
		LanguageCode:    c.LanguageCode,
		Model:           c.Model,
		SampleRate:      c.SampleRate,
		Punctuation:     c.Punctuation,
		InterimResults:  c.InterimResults,
		CredentialsJSON: c.CredentialsJSON,
		CredentialsFile: c.CredentialsFile,
	}
}

// ClientOptions picks the credential: inline JSON first, then a credentials
// file that exists, then application default credentials.
func (c Config) ClientOptions() []option.ClientOption {
	if c.CredentialsJSON != "" {
		logging.Infow("google: using credentials from GOOGLE_APPLICATION_CREDENTIALS_JSON")
		return []option.ClientOption{option.WithCredentialsJSON([]byte(c.CredentialsJSON))}
	}
	if c.CredentialsFile != "" {
		if _, err := os.Stat(c.CredentialsFile); err == nil {
			logging.Infow("google: using credentials file", "path", c.CredentialsFile)
			return []option.ClientOption{option.WithCredentialsFile(c.CredentialsFile)}
		}
		logging.Warnw("google: credentials file not found, falling back to default credentials", "path", c.CredentialsFile)
	}
	return nil
}

// StreamingConfig is the first request of every stream.
func (c Config) StreamingConfig() *speechpb.StreamingRecognitionConfig {
	rate := c.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	lang := c.LanguageCode
	if lang == "" {
		lang = "ja-JP"
	}
	model := c.Model
	if model == "" {
		model = "latest_long"
	}
	return &speechpb.StreamingRecognitionConfig{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:            int32(rate),
			LanguageCode:               lang,
			EnableAutomaticPunctuation: c.Punctuation,
			Model:                      model,
		},
		InterimResults: c.InterimResults,
	}
}

var (
	clientOnce sync.Once
	client     *speech.Client
	clientErr  error
)

// sharedClient creates the process-wide Speech client on first use.
func sharedClient(cfg Config) (*speech.Client, error) {
	clientOnce.Do(func() {
		client, clientErr = speech.NewClient(context.Background(), cfg.ClientOptions()...)
		if clientErr != nil {
			logging.Errorw("google: speech client init failed", "err", clientErr)
		}
	})
	return client, clientErr
}

// Recognizer opens Google streaming sessions.
type Recognizer struct {
	cfg Config
}

func NewRecognizer(cfg Config) *Recognizer { return &Recognizer{cfg: cfg} }

func (r *Recognizer) Open(ctx context.Context) (relay.RecognizeStream, error) {
	c, err := sharedClient(r.cfg)
	if err != nil {
		return nil, fmt.Errorf("google: client: %w", err)
	}
	sctx, cancel := context.WithCancel(ctx)
	st, err := c.StreamingRecognize(sctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("google: open stream: %w", classify(err))
	}
	err = st.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{StreamingConfig: r.cfg.StreamingConfig()},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("google: send config: %w", classify(err))
	}
	return &stream{st: st, cancel: cancel}, nil
}

type stream struct {
	st     speechpb.Speech_StreamingRecognizeClient
	cancel context.CancelFunc
	sendMu sync.Mutex
}

func (s *stream) Send(pcm []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	err := s.st.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: pcm},
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *stream) Recv() (relay.Result, error) {
	for {
		resp, err := s.st.Recv()
		if err != nil {
			return relay.Result{}, classify(err)
		}
		if e := resp.GetError(); e != nil && e.GetCode() != 0 {
			return relay.Result{}, classify(status.Error(codes.Code(e.GetCode()), e.GetMessage()))
		}
		if r, ok := First(resp); ok {
			return r, nil
		}
	}
}

func (s *stream) CloseSend() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.st.CloseSend()
}

func (s *stream) Close() error {
	s.cancel()
	return nil
}

// First picks results[0].alternatives[0], the only candidate forwarded.
func First(resp *speechpb.StreamingRecognizeResponse) (relay.Result, bool) {
	results := resp.GetResults()
	if len(results) == 0 {
		return relay.Result{}, false
	}
	alts := results[0].GetAlternatives()
	if len(alts) == 0 {
		return relay.Result{}, false
	}
	return relay.Result{Transcript: alts[0].GetTranscript(), IsFinal: results[0].GetIsFinal()}, true
}

// classify maps the stream-duration limit to relay.ErrStreamTimeout. io.EOF
// passes through unchanged.
func classify(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.OutOfRange, codes.DeadlineExceeded:
			return fmt.Errorf("%w: %s", relay.ErrStreamTimeout, st.Message())
		}
	}
	return err
}
