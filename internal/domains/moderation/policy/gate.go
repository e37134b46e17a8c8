// Package policy holds the local pre-send content filter. Checks are pure and
// run before any network call; a rejection means nothing is sent.
package policy

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
)

type Reason string

const (
	ReasonPersonalInfoEmail Reason = "PERSONAL_INFO_EMAIL"
	ReasonPersonalInfoPhone Reason = "PERSONAL_INFO_PHONE"
	ReasonProfanity         Reason = "PROFANITY"
)

var ErrRejected = errors.New("message rejected by moderation")

// RejectedError carries the first matching rejection reason.
type RejectedError struct {
	Reason Reason
}

func (e *RejectedError) Error() string {
	return "message rejected by moderation: " + string(e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

type Verdict struct {
	Approved bool
	Reason   Reason
}

// Err converts a verdict into nil or a *RejectedError.
func (v Verdict) Err() error {
	if v.Approved {
		return nil
	}
	return &RejectedError{Reason: v.Reason}
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(?:\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}`)
	// ###-###-####, (###) ###-####, ### ### ####, separators optional.
	phonePattern = regexp.MustCompile(`(?:\(\d{3}\)[\s.\-]?|\b\d{3}[\s.\-]?)\d{3}[\s.\-]?\d{4}\b`)
)

var defaultDenylist = []string{
	"asshole",
	"bastard",
	"bitch",
	"bullshit",
	"cunt",
	"dick",
	"dickhead",
	"fuck",
	"fucked",
	"fucker",
	"fucking",
	"motherfucker",
	"piss",
	"retard",
	"retarded",
	"shit",
	"shitty",
	"slut",
	"whore",
}

// Gate is a moderation filter with a fixed denylist.
type Gate struct {
	denylist map[string]struct{}
}

// NewGate builds a gate from the default denylist plus extra words.
func NewGate(extra ...string) *Gate {
	g := &Gate{denylist: make(map[string]struct{}, len(defaultDenylist)+len(extra))}
	for _, w := range defaultDenylist {
		g.denylist[w] = struct{}{}
	}
	for _, w := range extra {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			g.denylist[w] = struct{}{}
		}
	}
	return g
}

var defaultGate = NewGate()

// Check runs the default gate.
func Check(text string) Verdict {
	return defaultGate.Check(text)
}

// Check returns the first matching reason in priority order: email, phone,
// profanity.
func (g *Gate) Check(text string) Verdict {
	if emailPattern.MatchString(text) {
		return Verdict{Reason: ReasonPersonalInfoEmail}
	}
	if phonePattern.MatchString(text) {
		return Verdict{Reason: ReasonPersonalInfoPhone}
	}
	if g.containsProfanity(text) {
		return Verdict{Reason: ReasonProfanity}
	}
	return Verdict{Approved: true}
}

func (g *Gate) containsProfanity(text string) bool {
	for _, token := range strings.Fields(text) {
		token = strings.TrimFunc(token, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if token == "" {
			continue
		}
		if _, ok := g.denylist[strings.ToLower(token)]; ok {
			return true
		}
	}
	return false
}
