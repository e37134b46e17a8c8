package policy

import (
	"errors"
	"testing"
)

func TestCheckRejectsEmail(t *testing.T) {
	for _, text := range []string{
		"reach me at a@b.com",
		"Mail: First.Last+tag@mail.example.org please",
	} {
		v := Check(text)
		if v.Approved || v.Reason != ReasonPersonalInfoEmail {
			t.Fatalf("expected %s for %q, got %+v", ReasonPersonalInfoEmail, text, v)
		}
	}
}

func TestCheckRejectsPhoneShapes(t *testing.T) {
	for _, text := range []string{
		"call 555-123-4567",
		"(555) 123-4567",
		"555 123 4567",
		"text me on 555.123.4567 tonight",
		"5551234567",
		"(555)123-4567",
	} {
		v := Check(text)
		if v.Approved || v.Reason != ReasonPersonalInfoPhone {
			t.Fatalf("expected %s for %q, got %+v", ReasonPersonalInfoPhone, text, v)
		}
	}
}

func TestCheckRejectsProfanityCaseInsensitive(t *testing.T) {
	for _, text := range []string{
		"you are a fucking idiot",
		"You are a FUCKING idiot",
		"what the shit!",
	} {
		v := Check(text)
		if v.Approved || v.Reason != ReasonProfanity {
			t.Fatalf("expected %s for %q, got %+v", ReasonProfanity, text, v)
		}
	}
}

func TestCheckProfanityRequiresWholeToken(t *testing.T) {
	for _, text := range []string{
		"I live in Scunthorpe",
		"class assignment is due",
		"a dickens novel",
	} {
		if v := Check(text); !v.Approved {
			t.Fatalf("expected approval for %q, got %+v", text, v)
		}
	}
}

func TestCheckPriorityEmailBeforePhoneBeforeProfanity(t *testing.T) {
	v := Check("shit, email a@b.com or call 555-123-4567")
	if v.Reason != ReasonPersonalInfoEmail {
		t.Fatalf("email must win, got %s", v.Reason)
	}
	v = Check("shit, call 555-123-4567")
	if v.Reason != ReasonPersonalInfoPhone {
		t.Fatalf("phone must win over profanity, got %s", v.Reason)
	}
}

func TestCheckApprovesOrdinaryText(t *testing.T) {
	for _, text := range []string{
		"see you at 5 tomorrow",
		"my score was 123 45",
		"room 12345678901234 is booked",
		"",
	} {
		if v := Check(text); !v.Approved {
			t.Fatalf("expected approval for %q, got %+v", text, v)
		}
	}
}

func TestVerdictErr(t *testing.T) {
	if err := Check("hello").Err(); err != nil {
		t.Fatalf("approved verdict must produce nil error, got %v", err)
	}
	err := Check("a@b.com").Err()
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.Reason != ReasonPersonalInfoEmail {
		t.Fatalf("expected RejectedError with email reason, got %v", err)
	}
}

func TestNewGateExtraWords(t *testing.T) {
	g := NewGate(" Jerk ")
	if v := g.Check("what a jerk"); v.Reason != ReasonProfanity {
		t.Fatalf("expected extra denylist word to match, got %+v", v)
	}
	if v := Check("what a jerk"); !v.Approved {
		t.Fatalf("default gate must not include extra words")
	}
}
