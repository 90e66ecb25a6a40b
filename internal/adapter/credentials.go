package adapter

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Credentials is a channel's decrypted credential blob, raw JSON whose
// shape varies by platform. Each adapter decodes it into its own schema.
type Credentials []byte

// WhatsAppCredentials is the WhatsApp Cloud API credential schema.
type WhatsAppCredentials struct {
	PhoneID           string `json:"phone_id" validate:"required"`
	AccessToken       string `json:"access_token" validate:"required"`
	BusinessAccountID string `json:"business_account_id,omitempty"`
}

// MetaCredentials is the Instagram/Facebook Messenger credential schema.
type MetaCredentials struct {
	PageID      string `json:"page_id" validate:"required"`
	AccessToken string `json:"access_token" validate:"required"`
}

// TikTokCredentials is the TikTok Business Messaging credential schema.
type TikTokCredentials struct {
	AccessToken string `json:"access_token" validate:"required"`
	AppID       string `json:"app_id,omitempty"`
	AppSecret   string `json:"app_secret,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report missing fields by their json tag so errors match the stored blob.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// decodeCredentials unmarshals and structurally validates a credential blob
// against the adapter's schema. It performs no I/O.
func decodeCredentials[T any](creds Credentials, platform Platform) (*T, *Error) {
	var out T
	if len(creds) == 0 {
		creds = Credentials("{}")
	}
	if err := json.Unmarshal(creds, &out); err != nil {
		e := NewError(ErrorValidation, fmt.Sprintf("%s: malformed credentials blob: %v", platform, err))
		return nil, e
	}
	if err := validate.Struct(&out); err != nil {
		missing := missingFields(err)
		e := NewError(ErrorValidation, fmt.Sprintf("%s: missing required credential fields: %s", platform, strings.Join(missing, ", ")))
		e.Details = map[string]any{"missing_fields": missing}
		return nil, e
	}
	return &out, nil
}

func missingFields(err error) []string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return fields
}
