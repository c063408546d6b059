package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestValidatePayload(t *testing.T) {
	testCases := []struct {
		name        string
		messageType MessageType
		payload     MessagePayload
		wantField   string
	}{
		{name: "text accepted", messageType: MessageTypeText, payload: MessagePayload{Content: "hello"}},
		{name: "text at limit", messageType: MessageTypeText, payload: MessagePayload{Content: strings.Repeat("a", 500)}},
		{name: "text too long", messageType: MessageTypeText, payload: MessagePayload{Content: strings.Repeat("a", 501)}, wantField: "content"},
		{name: "text empty", messageType: MessageTypeText, payload: MessagePayload{}, wantField: "content"},
		{name: "text blank", messageType: MessageTypeText, payload: MessagePayload{Content: "   "}, wantField: "content"},
		{name: "image accepted", messageType: MessageTypeImage, payload: MessagePayload{MediaRef: "img/1"}},
		{name: "image missing ref", messageType: MessageTypeImage, payload: MessagePayload{MediaRef: " "}, wantField: "media_ref"},
		{name: "voice at sixty seconds", messageType: MessageTypeVoice, payload: MessagePayload{MediaRef: "v/1", DurationSeconds: 60}},
		{name: "voice over sixty seconds", messageType: MessageTypeVoice, payload: MessagePayload{MediaRef: "v/1", DurationSeconds: 61}, wantField: "duration_s"},
		{name: "voice without duration", messageType: MessageTypeVoice, payload: MessagePayload{MediaRef: "v/1"}, wantField: "duration_s"},
		{name: "video accepted", messageType: MessageTypeVideo, payload: MessagePayload{MediaRef: "m/1", ThumbnailRef: "t/1", DurationSeconds: 300}},
		{name: "video without thumbnail", messageType: MessageTypeVideo, payload: MessagePayload{MediaRef: "m/1", DurationSeconds: 3}, wantField: "thumbnail_ref"},
		{name: "file accepted", messageType: MessageTypeFile, payload: MessagePayload{MediaRef: "f/1", FileName: "a.pdf", FileSize: 10}},
		{name: "file without name", messageType: MessageTypeFile, payload: MessagePayload{MediaRef: "f/1", FileSize: 10}, wantField: "file_name"},
		{name: "file without size", messageType: MessageTypeFile, payload: MessagePayload{MediaRef: "f/1", FileName: "a.pdf"}, wantField: "file_size"},
		{name: "unknown type", messageType: MessageType("sticker"), payload: MessagePayload{}, wantField: "type"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			err := ValidatePayload(testCase.messageType, testCase.payload)
			if testCase.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrValidationFailed) {
				t.Fatalf("expected validation failure, got %v", err)
			}
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) {
				t.Fatalf("expected service error, got %T", err)
			}
			if serviceErr.Field() != testCase.wantField {
				t.Fatalf("expected field %q, got %q", testCase.wantField, serviceErr.Field())
			}
		})
	}
}

func TestParseEnumerations(t *testing.T) {
	if kind, err := ParseConversationKind(" Group "); err != nil || kind != ConversationKindGroup {
		t.Fatalf("unexpected kind %q err %v", kind, err)
	}
	if _, err := ParseConversationKind("channel"); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
	if role, err := ParseRole("ADMIN"); err != nil || role != RoleAdmin {
		t.Fatalf("unexpected role %q err %v", role, err)
	}
	if messageType, err := ParseMessageType("voice"); err != nil || messageType != MessageTypeVoice {
		t.Fatalf("unexpected type %q err %v", messageType, err)
	}
}
