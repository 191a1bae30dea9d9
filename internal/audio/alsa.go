package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const amixerTimeout = 2 * time.Second

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// AlsaMixer drives ALSA simple controls through amixer.
type AlsaMixer struct {
	card     int
	playback string
	capture  string
	runner   Runner

	// mu serializes amixer calls and guards lastSet.
	mu      sync.Mutex
	lastSet int64
	hasLast bool
}

// NewAlsaMixer returns a mixer for card. A nil runner executes amixer.
func NewAlsaMixer(card int, playback, capture string, runner Runner) *AlsaMixer {
	if playback == "" {
		playback = "Master"
	}
	if capture == "" {
		capture = "Capture"
	}
	if runner == nil {
		runner = execRunner{}
	}
	return &AlsaMixer{card: card, playback: playback, capture: capture, runner: runner}
}

// controlState is the parsed output of "amixer sget".
type controlState struct {
	min, max  int64
	value     int64
	hasValue  bool
	on        bool
	hasSwitch bool
}

func (a *AlsaMixer) amixer(args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), amixerTimeout)
	defer cancel()
	full := append([]string{fmt.Sprintf("-c%d", a.card)}, args...)
	return a.runner.Run(ctx, "amixer", full...)
}

func (a *AlsaMixer) get(control string) (controlState, error) {
	out, err := a.amixer("sget", control)
	if err != nil {
		return controlState{}, fmt.Errorf("audio: get %s: %w", control, err)
	}
	st, err := parseControl(string(out))
	if err != nil {
		return controlState{}, fmt.Errorf("audio: parse %s: %w", control, err)
	}
	return st, nil
}

// parseControl reads lines like:
//
//	Limits: Playback 0 - 65536
//	Front Left: Playback 40000 [61%] [on]
//	Mono: Capture 31 [100%] [-0.00dB] [off]
func parseControl(out string) (controlState, error) {
	var st controlState
	var hasLimits bool
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "Limits:"); ok {
			fields := strings.Fields(rest)
			// [Playback] min - max
			nums := make([]int64, 0, 2)
			for _, f := range fields {
				if n, err := strconv.ParseInt(f, 10, 64); err == nil {
					nums = append(nums, n)
				}
			}
			if len(nums) == 2 && nums[1] > nums[0] {
				st.min, st.max = nums[0], nums[1]
				hasLimits = true
			}
			continue
		}
		if st.hasValue {
			continue
		}
		_, rest, ok := strings.Cut(line, ": Playback ")
		if !ok {
			_, rest, ok = strings.Cut(line, ": Capture ")
		}
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		st.value = n
		st.hasValue = true
		for _, f := range fields[1:] {
			switch f {
			case "[on]":
				st.on, st.hasSwitch = true, true
			case "[off]":
				st.on, st.hasSwitch = false, true
			}
		}
	}
	if !st.hasValue || !hasLimits {
		return controlState{}, errors.New("no volume in amixer output")
	}
	return st, nil
}

func normalize(st controlState) int64 {
	return ClampVolume((st.value - st.min) * MaxVolume / (st.max - st.min))
}

func toRaw(v int64, st controlState) int64 {
	span := st.max - st.min
	return st.min + (ClampVolume(v)*span+MaxVolume/2)/MaxVolume
}

func (a *AlsaMixer) MicrophoneStatus() (MicStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, err := a.get(a.capture)
	if err != nil {
		return MicUnmuted, err
	}
	// SetMicrophoneMuted only flips the switch, so a control that has one
	// is judged by it alone. Gain decides for switchless controls.
	if st.hasSwitch {
		if st.on {
			return MicUnmuted, nil
		}
		return MicMuted, nil
	}
	if st.value <= st.min {
		return MicMuted, nil
	}
	return MicUnmuted, nil
}

func (a *AlsaMixer) SetMicrophoneMuted(muted bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	arg := "cap"
	if muted {
		arg = "nocap"
	}
	if _, err := a.amixer("sset", a.capture, arg); err != nil {
		return fmt.Errorf("audio: set %s %s: %w", a.capture, arg, err)
	}
	return nil
}

// Volume returns the playback volume. When the control's hardware scale is
// coarser than the normalized one, the last value we set is returned as long
// as the hardware still reports the step it was rounded to, so small encoder
// moves accumulate instead of stalling.
func (a *AlsaMixer) Volume() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, err := a.get(a.playback)
	if err != nil {
		return 0, err
	}
	if a.hasLast && toRaw(a.lastSet, st) == st.value {
		return a.lastSet, nil
	}
	return normalize(st), nil
}

func (a *AlsaMixer) SetVolume(volume int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	volume = ClampVolume(volume)
	st, err := a.get(a.playback)
	if err != nil {
		return err
	}
	raw := toRaw(volume, st)
	if _, err := a.amixer("sset", a.playback, strconv.FormatInt(raw, 10)); err != nil {
		return fmt.Errorf("audio: set %s volume: %w", a.playback, err)
	}
	a.lastSet, a.hasLast = volume, true
	return nil
}
