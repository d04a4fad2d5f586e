package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/deckard/internal/audio"
	"github.com/antoniostano/deckard/internal/protocol"
	"github.com/antoniostano/deckard/internal/session"
)

type options struct {
	baseURL        string
	persona        string
	turns          int
	chunkMS        int
	realtime       float64
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	wavPath        string
	imageURL       string
	prompt         string
	verbose        bool
}

type wsEnvelope struct {
	Type  string `json:"type"`
	Info  string `json:"info,omitempty"`
	Error string `json:"error,omitempty"`
	URL   string `json:"url,omitempty"`
}

type wsEvent struct {
	env wsEnvelope
	at  time.Time
}

// turnTiming is measured from the moment the client finished its side of the turn.
type turnTiming struct {
	firstAudio time.Duration
	video      time.Duration
	audioEnd   time.Duration
	videoOK    bool
	videoErr   string
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "deckardprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "deckardprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var startDelayMS, interTurnMS, turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "gateway base URL")
	flag.StringVar(&cfg.persona, "persona", "", "persona for the probe session (default: server default)")
	flag.IntVar(&cfg.turns, "turns", 5, "number of turns to replay")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 2.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&startDelayMS, "start-delay-ms", 300, "delay before first turn in milliseconds")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 250, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 150000, "timeout waiting for a turn to finish in milliseconds")
	flag.StringVar(&cfg.wavPath, "wav", "", "mono PCM16 WAV file to send as user speech (default: synthetic tone)")
	flag.StringVar(&cfg.imageURL, "image-url", "", "send this data URL as an image turn instead of audio")
	flag.StringVar(&cfg.prompt, "prompt", "", "text sent with -image-url")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	cfg.startDelay = time.Duration(max(startDelayMS, 0)) * time.Millisecond
	cfg.interTurnDelay = time.Duration(max(interTurnMS, 0)) * time.Millisecond
	cfg.turnTimeout = time.Duration(max(turnTimeoutMS, 1000)) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	minted, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, minted.SessionID)
	}()

	var samples []int16
	var sampleRate int
	if cfg.imageURL == "" {
		samples, sampleRate, err = loadSpeech(cfg.wavPath)
		if err != nil {
			return fmt.Errorf("prepare speech: %w", err)
		}
	}

	wsURL, err := wsURLForPath(cfg.baseURL, minted.WSPath)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if cfg.verbose {
		fmt.Printf("deckardprobe: session=%s persona=%s turns=%d\n", minted.SessionID, minted.Persona, cfg.turns)
	}
	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	events := make(chan wsEvent, 1024)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh)

	timings := make([]turnTiming, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		if cfg.imageURL != "" {
			err = conn.WriteJSON(protocol.ImageIn{Type: protocol.TypeImage, DataURL: cfg.imageURL, Text: cfg.prompt})
		} else {
			err = sendTurnAudio(conn, samples, sampleRate, cfg.chunkMS, cfg.realtime)
			if err == nil {
				err = conn.WriteJSON(protocol.CommitAudio{Type: protocol.TypeCommitAudio})
			}
		}
		if err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}

		timing, err := awaitTurn(events, readErrCh, time.Now(), cfg.turnTimeout, cfg.verbose)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		timings = append(timings, timing)
		if cfg.verbose {
			fmt.Printf("deckardprobe: turn %d/%d first_audio=%s video=%s audio_end=%s video_ok=%t %s\n",
				i+1, cfg.turns, timing.firstAudio.Round(time.Millisecond), timing.video.Round(time.Millisecond),
				timing.audioEnd.Round(time.Millisecond), timing.videoOK, timing.videoErr)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	printSummary(os.Stdout, timings)
	return nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (session.MintResponse, error) {
	payload, err := json.Marshal(session.MintRequest{Persona: strings.TrimSpace(cfg.persona)})
	if err != nil {
		return session.MintResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return session.MintResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return session.MintResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return session.MintResponse{}, err
	}
	if res.StatusCode != http.StatusCreated {
		return session.MintResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out session.MintResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return session.MintResponse{}, err
	}
	if strings.TrimSpace(out.SessionID) == "" || strings.TrimSpace(out.WSPath) == "" {
		return session.MintResponse{}, fmt.Errorf("incomplete mint response")
	}
	return out, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

// loadSpeech reads a mono WAV file, or renders a short synthetic utterance when path is empty.
func loadSpeech(path string) ([]int16, int, error) {
	if strings.TrimSpace(path) == "" {
		return syntheticSpeech(16000, 1200*time.Millisecond), 16000, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	return decodeMonoWAV(data)
}

func decodeMonoWAV(data []byte) ([]int16, int, error) {
	h, err := audio.ParseHeader(data)
	if err != nil {
		return nil, 0, err
	}
	if h.Format.Channels != 1 {
		return nil, 0, fmt.Errorf("want mono wav, got %d channels", h.Format.Channels)
	}
	end := 44 + int(h.DataSize)
	if end > len(data) {
		end = len(data)
	}
	pcm := data[44:end]
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	if len(samples) == 0 {
		return nil, 0, fmt.Errorf("wav has no samples")
	}
	return samples, h.Format.SampleRate, nil
}

func syntheticSpeech(sampleRate int, d time.Duration) []int16 {
	n := int(float64(sampleRate) * d.Seconds())
	out := make([]int16, n)
	for i := range out {
		t := float64(i) / float64(sampleRate)
		// A warbling tone so server VAD sees something speech-like.
		freq := 180 + 60*math.Sin(2*math.Pi*3*t)
		out[i] = int16(6000 * math.Sin(2*math.Pi*freq*t))
	}
	return out
}

func wsURLForPath(baseURL, wsPath string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	ref, err := url.Parse(wsPath)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + ref.Path
	u.RawQuery = ref.RawQuery
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- wsEvent, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		events <- wsEvent{env: env, at: time.Now()}
	}
}

func chunkSamples(samples []int16, sampleRate, chunkMS int) [][]int16 {
	per := sampleRate * chunkMS / 1000
	if per <= 0 {
		per = 1
	}
	var out [][]int16
	for off := 0; off < len(samples); off += per {
		out = append(out, samples[off:min(off+per, len(samples))])
	}
	return out
}

func sendTurnAudio(conn *websocket.Conn, samples []int16, sampleRate, chunkMS int, realtime float64) error {
	for _, chunk := range chunkSamples(samples, sampleRate, chunkMS) {
		if err := conn.WriteJSON(protocol.AudioIn{Type: protocol.TypeAudio, Data: chunk}); err != nil {
			return err
		}
		pause := time.Duration(float64(len(chunk)) / float64(sampleRate) * float64(time.Second) / realtime)
		if pause <= 0 {
			pause = 10 * time.Millisecond
		}
		time.Sleep(pause)
	}
	return nil
}

// awaitTurn waits for audio_end and the turn's video result, in whichever order they arrive.
func awaitTurn(events <-chan wsEvent, readErrCh <-chan error, start time.Time, timeout time.Duration, verbose bool) (turnTiming, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var t turnTiming
	gotEnd, gotVideo := false, false
	for !gotEnd || !gotVideo {
		select {
		case ev := <-events:
			elapsed := ev.at.Sub(start)
			switch protocol.MessageType(ev.env.Type) {
			case protocol.TypeAudio:
				if t.firstAudio == 0 {
					t.firstAudio = elapsed
				}
			case protocol.TypeAudioEnd:
				if !gotEnd {
					gotEnd = true
					t.audioEnd = elapsed
				}
			case protocol.TypeTalkVideo:
				gotVideo, t.videoOK, t.video = true, true, elapsed
			case protocol.TypeTalkError:
				gotVideo, t.video, t.videoErr = true, elapsed, ev.env.Error
			case protocol.TypeClientInfo:
				// A turn the server ended without video.
				if ev.env.Info == "turn_interrupted" {
					return t, nil
				}
			case protocol.TypeError:
				if verbose {
					fmt.Fprintf(os.Stderr, "deckardprobe: error %s\n", ev.env.Error)
				}
			}
		case err := <-readErrCh:
			return t, fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return t, fmt.Errorf("timeout after %s (audio_end=%t video=%t)", timeout, gotEnd, gotVideo)
		}
	}
	return t, nil
}

func printSummary(w io.Writer, timings []turnTiming) {
	var firstAudio, video, end []float64
	ok := 0
	for _, t := range timings {
		firstAudio = append(firstAudio, float64(t.firstAudio.Milliseconds()))
		video = append(video, float64(t.video.Milliseconds()))
		end = append(end, float64(t.audioEnd.Milliseconds()))
		if t.videoOK {
			ok++
		}
	}
	fmt.Fprintf(w, "deckardprobe: turns=%d video_ok=%d\n", len(timings), ok)
	for _, row := range []struct {
		name string
		vals []float64
	}{{"first_audio_ms", firstAudio}, {"video_ms", video}, {"audio_end_ms", end}} {
		fmt.Fprintf(w, "  %-15s p50=%.0f p95=%.0f max=%.0f\n", row.name, percentile(row.vals, 0.50), percentile(row.vals, 0.95), percentile(row.vals, 1))
	}
}

func percentile(vals []float64, q float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	idx = min(max(idx, 0), len(sorted)-1)
	return sorted[idx]
}
