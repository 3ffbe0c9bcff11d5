package prefork

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// SignalAction is what the manager does when it receives a signal: nothing
// beyond recording it, or stop the pool by sending Signal to every worker,
// either at once or one worker per Stagger interval.
type SignalAction struct {
	// Signal is sent to workers on shutdown; nil means ignore
	Signal os.Signal
	// Stagger is the delay between successive workers, zero for immediate
	Stagger time.Duration
}

// Ignore returns an action that only records the signal
func Ignore() SignalAction {
	return SignalAction{}
}

// Send returns an action that stops all workers at once with sig
func Send(sig os.Signal) SignalAction {
	return SignalAction{Signal: sig}
}

// Stagger returns an action that stops workers with sig one per interval
func Stagger(sig os.Signal, interval time.Duration) SignalAction {
	return SignalAction{Signal: sig, Stagger: interval}
}

// Ignored reports whether the action only records the signal
func (a SignalAction) Ignored() bool {
	return a.Signal == nil
}

// String returns the action in the form accepted by ParseSignalAction
func (a SignalAction) String() string {
	if a.Ignored() {
		return "ignore"
	}
	if a.Stagger > 0 {
		return SignalName(a.Signal) + "/" + a.Stagger.String()
	}
	return SignalName(a.Signal)
}

// SignalTable maps received signals to actions
type SignalTable map[os.Signal]SignalAction

// DefaultSignalTable stops the pool on TERM and INT and records HUP
func DefaultSignalTable() SignalTable {
	return SignalTable{
		syscall.SIGTERM: Send(syscall.SIGTERM),
		syscall.SIGINT:  Send(syscall.SIGTERM),
		syscall.SIGHUP:  Ignore(),
	}
}

// signals returns the table's keys in a stable order
func (t SignalTable) signals() []os.Signal {
	out := make([]os.Signal, 0, len(t))
	for sig := range t {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// ParseSignal resolves a signal name such as "TERM", "SIGTERM" or "term"
func ParseSignal(name string) (syscall.Signal, error) {
	n := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "SIG")
	if sig, ok := signalsByName[n]; ok {
		return sig, nil
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}

// SignalName returns the short name of sig ("TERM"), or its String form for
// signals without one
func SignalName(sig os.Signal) string {
	if s, ok := sig.(syscall.Signal); ok {
		for name, v := range signalsByName {
			if v == s {
				return name
			}
		}
	}
	if sig == nil {
		return ""
	}
	return sig.String()
}

// ParseSignalAction parses "ignore", a signal name ("TERM") or a signal
// name with a stagger interval ("TERM/2s"; a bare number means seconds)
func ParseSignalAction(s string) (SignalAction, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "ignore") || s == "" {
		return Ignore(), nil
	}

	name, rawInterval, staggered := strings.Cut(s, "/")
	sig, err := ParseSignal(name)
	if err != nil {
		return SignalAction{}, err
	}
	if !staggered {
		return Send(sig), nil
	}

	interval, err := ParseSeconds(rawInterval)
	if err != nil {
		return SignalAction{}, fmt.Errorf("bad stagger interval in %q: %w", s, err)
	}
	if interval <= 0 {
		return SignalAction{}, fmt.Errorf("stagger interval in %q must be positive", s)
	}
	return Stagger(sig, interval), nil
}

// ParseSignalTable builds a table from names to action strings
func ParseSignalTable(m map[string]string) (SignalTable, error) {
	t := make(SignalTable, len(m))
	for name, raw := range m {
		sig, err := ParseSignal(name)
		if err != nil {
			return nil, err
		}
		action, err := ParseSignalAction(raw)
		if err != nil {
			return nil, fmt.Errorf("signal %s: %w", name, err)
		}
		t[sig] = action
	}
	return t, nil
}

// ParseSeconds accepts a Go duration ("1.5s") or a plain number of seconds.
// Non-finite numbers and values outside the range of time.Duration fail.
func ParseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, fmt.Errorf("duration %q is not finite", s)
	}
	ns := secs * float64(time.Second)
	if ns >= math.MaxInt64 || ns < math.MinInt64 {
		return 0, fmt.Errorf("duration %q out of range", s)
	}
	return time.Duration(ns), nil
}
