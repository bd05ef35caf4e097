// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindBadInput, "invalid input")
	if err.Error() != "invalid input" {
		t.Errorf("expected 'invalid input', got '%s'", err.Error())
	}

	wrapped := Wrap(err, KindKaboom, "failed to validate")
	if wrapped.Error() != "failed to validate: invalid input" {
		t.Errorf("expected 'failed to validate: invalid input', got '%s'", wrapped.Error())
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindBadInput, "invalid input")
	if GetKind(err) != KindBadInput {
		t.Errorf("expected KindBadInput, got %v", GetKind(err))
	}

	wrapped := Wrap(err, KindKaboom, "failed")
	if GetKind(wrapped) != KindKaboom {
		t.Errorf("expected KindKaboom, got %v", GetKind(wrapped))
	}

	if GetKind(errors.New("std error")) != KindUnknown {
		t.Errorf("expected KindUnknown, got %v", GetKind(errors.New("std error")))
	}
}

func TestAttributes(t *testing.T) {
	err := New(KindBadInput, "invalid input")
	err = Attr(err, "field", "port")
	err = Attr(err, "value", 80)

	attrs := GetAttributes(err)
	if attrs["field"] != "port" {
		t.Errorf("expected port, got %v", attrs["field"])
	}
	if attrs["value"] != 80 {
		t.Errorf("expected 80, got %v", attrs["value"])
	}

	wrapped := Wrap(err, KindKaboom, "failed")
	wrapped = Attr(wrapped, "operation", "start")

	allAttrs := GetAttributes(wrapped)
	if allAttrs["field"] != "port" || allAttrs["operation"] != "start" {
		t.Errorf("missing attributes: %v", allAttrs)
	}
}

func TestDuplicatePidKind(t *testing.T) {
	err := New(KindDuplicatePid, "pid 123 already tracked")
	if GetKind(err) != KindDuplicatePid {
		t.Errorf("expected KindDuplicatePid, got %v", GetKind(err))
	}
	if KindDuplicatePid.String() != "duplicate_pid" {
		t.Errorf("expected duplicate_pid, got %s", KindDuplicatePid.String())
	}
}

func TestStartingContinuedLineKind(t *testing.T) {
	err := New(KindStartingContinuedLine, "file.cf: first line is a continuation")
	if GetKind(err) != KindStartingContinuedLine {
		t.Errorf("expected KindStartingContinuedLine, got %v", GetKind(err))
	}
}
