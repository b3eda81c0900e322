package model

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// overlay position template: x=10:y=10 or x=W-w-10:y=H-h-10
var positionRx = regexp.MustCompile(`^x=(\d+|W-w-\d+):y=(\d+|H-h-\d+)$`)

// Coordinates parses Position into raw overlay filter coordinates.
func (o Overlay) Coordinates() (x, y string, err error) {
	m := positionRx.FindStringSubmatch(strings.TrimSpace(o.Position))
	if m == nil {
		return "", "", fmt.Errorf("overlay position %q: expected x=N:y=N", o.Position)
	}
	return m[1], m[2], nil
}

// Validate checks every field the chosen input and output kinds require.
// It returns *ConfigError on failure.
func (c Channel) Validate() error {
	cerr := &ConfigError{Channel: c.Name}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			cerr.add(fieldPath(fe.Namespace()), reason(fe))
		}
	}

	switch {
	case c.Output != nil && len(c.Renditions) > 0:
		cerr.add("output", "excludes renditions")
	case c.Output == nil && len(c.Renditions) == 0:
		cerr.add("output", "output or renditions is required")
	}

	if c.Overlay.Enabled() {
		if _, _, err := c.Overlay.Coordinates(); err != nil {
			cerr.add("overlay.position", err.Error())
		}
	}

	for i, r := range c.Profiles() {
		field := "output"
		if c.MultiRendition() {
			field = fmt.Sprintf("renditions[%d]", i)
		}
		if _, _, err := r.Size(); err != nil && r.Resolution != "" {
			cerr.add(field+".resolution", err.Error())
		}
		if r.Output.Kind != OutputMulticast {
			continue
		}
		if r.ServiceID == 0 {
			cerr.add(field+".service_id", "is required for udp output")
		}
		if r.PMTPID == 0 {
			cerr.add(field+".pmt_pid", "is required for udp output")
		}
		video, _ := r.StreamPIDs()
		if r.PCRPID != 0 && r.PCRPID != video {
			cerr.add(field+".pcr_pid", "must equal video_pid")
		}
	}

	if len(cerr.Issues) > 0 {
		return cerr
	}
	return nil
}

func fieldPath(ns string) string {
	_, rest, ok := strings.Cut(ns, ".")
	if !ok {
		return ns
	}
	return rest
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if", "required_with":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "hostname_port":
		return "must be host:port"
	case "ip":
		return "must be an IP address"
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
		}
		return "failed " + fe.Tag()
	}
}
