package app

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/dkeye/classchat/internal/domain"
)

// MaxContentLen bounds a message body in bytes.
const MaxContentLen = 4000

// SendRequest is a user's intent to post a message.
type SendRequest struct {
	RoomID   domain.RoomID      `json:"room_id" validate:"required"`
	Content  string             `json:"content" validate:"notblank,max=4000"`
	Kind     domain.MessageKind `json:"kind" validate:"omitempty,oneof=text voice"`
	Duration time.Duration      `json:"duration" validate:"gte=0"`
}

// CreateRoomRequest asks the server to open a new conversation.
type CreateRoomRequest struct {
	Kind         domain.RoomKind `json:"kind" validate:"required,oneof=direct group"`
	Name         string          `json:"name" validate:"max=120"`
	Participants []domain.UserID `json:"participants" validate:"required,min=1,dive,required"`
}

const notBlankTag = "notblank"

var (
	validate   *validator.Validate
	translator ut.Translator
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	english := en.New()
	uni := ut.New(english, english)
	translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation(notBlankTag, func(fl validator.FieldLevel) bool {
		return fl.Field().Kind() == reflect.String && strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = validate.RegisterTranslation(notBlankTag, translator,
		func(ut.Translator) error { return nil },
		func(ut.Translator, validator.FieldError) string { return "this field cannot be blank" },
	)
	validate.RegisterStructValidation(voiceDurationValidation, SendRequest{})
}

func voiceDurationValidation(sl validator.StructLevel) {
	req, ok := sl.Current().Interface().(SendRequest)
	if !ok {
		return
	}
	if req.Kind != domain.MessageVoice && req.Duration != 0 {
		sl.ReportError(req.Duration, "duration", "Duration", "voice_only", "")
	}
}

// validateStruct converts validator failures into a *domain.ValidationError.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &domain.ValidationError{Fields: map[string]string{"request": err.Error()}}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		msg := fe.Translate(translator)
		if msg == "" || msg == fe.Error() {
			msg = "invalid value (" + fe.Tag() + ")"
		}
		fields[fe.Field()] = msg
	}
	return &domain.ValidationError{Fields: fields}
}
