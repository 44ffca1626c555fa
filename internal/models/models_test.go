package models

import "testing"

func TestIsValidSessionState(t *testing.T) {
	valid := []SessionState{StateIdle, StateWaitingForPhone, StateWaitingForPlantName, StateWaitingForImage, StateWaitingForLocation}
	for _, s := range valid {
		if !IsValidSessionState(s) {
			t.Errorf("expected %s to be valid", s)
		}
	}
	if IsValidSessionState("DANCING") {
		t.Error("expected unknown state to be invalid")
	}
	if IsValidSessionState("") {
		t.Error("expected empty state to be invalid")
	}
}

func TestNewSession(t *testing.T) {
	sess := NewSession("111222333")
	if sess.ChatID != "111222333" {
		t.Errorf("expected chat identity preserved, got %q", sess.ChatID)
	}
	if sess.State != StateIdle {
		t.Errorf("expected IDLE, got %s", sess.State)
	}
	if sess.CreatedAt.IsZero() || sess.UpdatedAt.IsZero() {
		t.Error("expected timestamps set")
	}
	if sess.IsResolved() {
		t.Error("fresh session must not be resolved")
	}
	if sess.HasImage() {
		t.Error("fresh session must not have images")
	}
}

func TestSessionHasImage(t *testing.T) {
	sess := NewSession("111222333")

	sess.CloseImageID = "img-1"
	if !sess.HasImage() {
		t.Error("expected HasImage with close-up only")
	}

	sess.CloseImageID = ""
	sess.LocationImageID = "img-2"
	if !sess.HasImage() {
		t.Error("expected HasImage with distance shot only")
	}
}

func TestSessionIsResolved(t *testing.T) {
	sess := NewSession("111222333")
	sess.UserID = 42
	if !sess.IsResolved() {
		t.Error("expected session with user to be resolved")
	}
}
