package actions

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "keyauth/internal/pkg/errors"
)

// Request is one decoded action. The set of implementations is closed.
type Request interface {
	Action() string
	request()
}

type Test struct{}

type CheckSupport struct {
	UserID string `json:"user_id" validate:"required"`
}

type CheckPermission struct {
	UserID string `json:"user_id" validate:"required"`
	API    string `json:"api"`
}

type CreateApp struct {
	AppName string `json:"app_name" validate:"required,max=100"`
	UserID  string `json:"user_id" validate:"required"`
}

type DeleteApp struct {
	AppName string `json:"app_name" validate:"required"`
	UserID  string `json:"user_id" validate:"required"`
}

type CreateKey struct {
	API         string  `json:"api" validate:"required"`
	Prefix      string  `json:"prefix" validate:"required,max=50"`
	Days        FlexInt `json:"days" validate:"required,gt=0,lte=36500"`
	DeviceLimit DeviceLimit `json:"device_limit" validate:"lte=1000"`
	UserID      string  `json:"user_id" validate:"required"`
}

// KeyTarget addresses one key of one application.
type KeyTarget struct {
	API    string `json:"api" validate:"required"`
	Key    string `json:"key" validate:"required"`
	UserID string `json:"user_id" validate:"required"`
}

type DeleteKey struct {
	KeyTarget
}

type BanKey struct {
	KeyTarget
}

type CheckKey struct {
	KeyTarget
}

type ResetHWID struct {
	KeyTarget
}

type KeyQR struct {
	KeyTarget
	Size FlexInt `json:"size" validate:"gte=0"`
}

type GetApps struct {
	UserID string `json:"user_id" validate:"required"`
}

type GetMyApps struct {
	UserID string `json:"user_id" validate:"required"`
}

type GetKeys struct {
	API    string `json:"api" validate:"required"`
	UserID string `json:"user_id" validate:"required"`
}

type ListKeys struct {
	API    string `json:"api" validate:"required"`
	UserID string `json:"user_id" validate:"required"`
}

type AddSupport struct {
	UserID  string `json:"user_id" validate:"required"`
	AdminID string `json:"admin_id" validate:"required"`
}

type DeleteSupport struct {
	UserID  string `json:"user_id" validate:"required"`
	AdminID string `json:"admin_id" validate:"required"`
}

type GetSupports struct{}

type ValidateKey struct {
	API        string  `json:"api" validate:"required"`
	Key        string  `json:"key" validate:"required"`
	HWID       string  `json:"hwid" validate:"required,max=512"`
	SystemInfo *string `json:"system_info"`
}

type VerifyToken struct {
	API   string `json:"api" validate:"required"`
	Token string `json:"token" validate:"required"`
}

type GetAudit struct {
	UserID string  `json:"user_id" validate:"required"`
	Limit  FlexInt `json:"limit" validate:"gte=0"`
}

func (Test) Action() string            { return "test" }
func (CheckSupport) Action() string    { return "check_support" }
func (CheckPermission) Action() string { return "check_permission" }
func (CreateApp) Action() string       { return "create_app" }
func (DeleteApp) Action() string       { return "delete_app" }
func (CreateKey) Action() string       { return "create_key" }
func (DeleteKey) Action() string       { return "delete_key" }
func (BanKey) Action() string          { return "ban_key" }
func (CheckKey) Action() string        { return "check_key" }
func (ResetHWID) Action() string       { return "reset_hwid" }
func (KeyQR) Action() string           { return "key_qr" }
func (GetApps) Action() string         { return "get_apps" }
func (GetMyApps) Action() string       { return "get_my_apps" }
func (GetKeys) Action() string         { return "get_keys" }
func (ListKeys) Action() string        { return "list_keys" }
func (AddSupport) Action() string      { return "add_support" }
func (DeleteSupport) Action() string   { return "delete_support" }
func (GetSupports) Action() string     { return "get_supports" }
func (ValidateKey) Action() string     { return "validate_key" }
func (VerifyToken) Action() string     { return "verify_token" }
func (GetAudit) Action() string        { return "get_audit" }

func (Test) request()            {}
func (CheckSupport) request()    {}
func (CheckPermission) request() {}
func (CreateApp) request()       {}
func (DeleteApp) request()       {}
func (CreateKey) request()       {}
func (DeleteKey) request()       {}
func (BanKey) request()          {}
func (CheckKey) request()        {}
func (ResetHWID) request()       {}
func (KeyQR) request()           {}
func (GetApps) request()         {}
func (GetMyApps) request()       {}
func (GetKeys) request()         {}
func (ListKeys) request()        {}
func (AddSupport) request()      {}
func (DeleteSupport) request()   {}
func (GetSupports) request()     {}
func (ValidateKey) request()     {}
func (VerifyToken) request()     {}
func (GetAudit) request()        {}

type entry struct {
	build   func() Request
	invalid string
}

const (
	userRequired   = "User ID is required"
	targetRequired = "API, Key and User ID are required"
	listRequired   = "API and User ID are required"
	rosterRequired = "User ID and Admin ID are required"
)

var registry = map[string]entry{
	"test":             {func() Request { return &Test{} }, ""},
	"check_support":    {func() Request { return &CheckSupport{} }, userRequired},
	"check_permission": {func() Request { return &CheckPermission{} }, userRequired},
	"create_app":       {func() Request { return &CreateApp{} }, "App name and User ID are required"},
	"delete_app":       {func() Request { return &DeleteApp{} }, "App name and User ID are required"},
	"create_key":       {func() Request { return &CreateKey{} }, "Missing required fields: api, prefix, days, user_id"},
	"delete_key":       {func() Request { return &DeleteKey{} }, targetRequired},
	"ban_key":          {func() Request { return &BanKey{} }, targetRequired},
	"check_key":        {func() Request { return &CheckKey{} }, targetRequired},
	"reset_hwid":       {func() Request { return &ResetHWID{} }, targetRequired},
	"key_qr":           {func() Request { return &KeyQR{} }, targetRequired},
	"get_apps":         {func() Request { return &GetApps{} }, userRequired},
	"get_my_apps":      {func() Request { return &GetMyApps{} }, userRequired},
	"get_keys":         {func() Request { return &GetKeys{} }, listRequired},
	"list_keys":        {func() Request { return &ListKeys{} }, listRequired},
	"add_support":      {func() Request { return &AddSupport{} }, rosterRequired},
	"delete_support":   {func() Request { return &DeleteSupport{} }, rosterRequired},
	"get_supports":     {func() Request { return &GetSupports{} }, ""},
	"validate_key":     {func() Request { return &ValidateKey{} }, "API, Key, HWID are required"},
	"verify_token":     {func() Request { return &VerifyToken{} }, "API and Token are required"},
	"get_audit":        {func() Request { return &GetAudit{} }, userRequired},
}

// Names lists every known action.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode parses a request body into its typed action. All failures are
// INVALID_INPUT errors carrying the client-facing message.
func Decode(body []byte) (Request, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, apperrors.Invalid("No body provided")
	}

	var envelope struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, apperrors.Invalid("Invalid JSON body")
	}

	e, ok := registry[envelope.Action]
	if !ok {
		return nil, apperrors.Invalid("Invalid action: " + envelope.Action)
	}

	req := e.build()
	if err := json.Unmarshal(body, req); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInvalidInput, err, e.invalid)
	}
	if err := validate.Struct(req); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInvalidInput, err, e.invalid)
	}
	return req, nil
}

// FlexInt accepts a JSON number or a numeric string. Empty strings and null
// decode to zero.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = 0
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
		if s == "" {
			*f = 0
			return nil
		}
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		fl, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return err
		}
		n = int(fl)
	}
	*f = FlexInt(n)
	return nil
}

func (f FlexInt) Int() int { return int(f) }

// DeviceLimit decodes like FlexInt but never fails: anything that is not a
// positive number becomes zero, which the key store replaces with its default.
type DeviceLimit int

func (d *DeviceLimit) UnmarshalJSON(data []byte) error {
	var n FlexInt
	if err := n.UnmarshalJSON(data); err != nil || n < 0 {
		*d = 0
		return nil
	}
	*d = DeviceLimit(n)
	return nil
}

func (d DeviceLimit) Int() int { return int(d) }
