package chat

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MessagePayload carries the type-specific message fields supplied by a sender.
type MessagePayload struct {
	Content         string `json:"content"`
	MediaRef        string `json:"media_ref"`
	ThumbnailRef    string `json:"thumbnail_ref"`
	DurationSeconds int    `json:"duration_s"`
	FileName        string `json:"file_name"`
	FileSize        int64  `json:"file_size"`
}

type textContract struct {
	Content string `json:"content" validate:"required,min=1,max=500"`
}

type imageContract struct {
	MediaRef string `json:"media_ref" validate:"required"`
}

type voiceContract struct {
	MediaRef        string `json:"media_ref" validate:"required"`
	DurationSeconds int    `json:"duration_s" validate:"required,min=1,max=60"`
}

type videoContract struct {
	MediaRef        string `json:"media_ref" validate:"required"`
	ThumbnailRef    string `json:"thumbnail_ref" validate:"required"`
	DurationSeconds int    `json:"duration_s" validate:"required,min=1"`
}

type fileContract struct {
	MediaRef string `json:"media_ref" validate:"required"`
	FileName string `json:"file_name" validate:"required,max=255"`
	FileSize int64  `json:"file_size" validate:"required,min=1"`
}

var payloadValidator = newPayloadValidator()

func newPayloadValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return validate
}

// ValidatePayload enforces the per-type message contract before anything is stored.
func ValidatePayload(messageType MessageType, payload MessagePayload) error {
	var contract any
	switch messageType {
	case MessageTypeText:
		contract = textContract{Content: payload.Content}
	case MessageTypeImage:
		contract = imageContract{MediaRef: strings.TrimSpace(payload.MediaRef)}
	case MessageTypeVoice:
		contract = voiceContract{MediaRef: strings.TrimSpace(payload.MediaRef), DurationSeconds: payload.DurationSeconds}
	case MessageTypeVideo:
		contract = videoContract{
			MediaRef:        strings.TrimSpace(payload.MediaRef),
			ThumbnailRef:    strings.TrimSpace(payload.ThumbnailRef),
			DurationSeconds: payload.DurationSeconds,
		}
	case MessageTypeFile:
		contract = fileContract{
			MediaRef: strings.TrimSpace(payload.MediaRef),
			FileName: strings.TrimSpace(payload.FileName),
			FileSize: payload.FileSize,
		}
	default:
		return newValidationError(opValidatePayload, "type", "unsupported")
	}

	if err := payloadValidator.Struct(contract); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
			return newValidationError(opValidatePayload, fieldErrors[0].Field(), fieldErrors[0].Tag())
		}
		return newServiceError(opValidatePayload, "invalid", KindValidationFailed, err)
	}

	if messageType == MessageTypeText && strings.TrimSpace(payload.Content) == "" {
		return newValidationError(opValidatePayload, "content", "blank")
	}
	return nil
}
