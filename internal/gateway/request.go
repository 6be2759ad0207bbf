package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/victorchrollo14/agent0-sub000/internal/apperr"
	"github.com/victorchrollo14/agent0-sub000/internal/runner"
	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

// runRequest is the body of POST /run. Production callers name an agent and
// optionally an environment; the editor's test path names a version and may
// send an unsaved draft in data.
type runRequest struct {
	AgentID       string                  `json:"agent_id" validate:"required_without=VersionID,excluded_with=VersionID"`
	VersionID     string                  `json:"version_id" validate:"required_without=AgentID"`
	Environment   models.Environment      `json:"environment" validate:"omitempty,oneof=staging production,excluded_with=VersionID"`
	Variables     map[string]string       `json:"variables"`
	Stream        *bool                   `json:"stream"`
	Overrides     *models.RunOverrides    `json:"overrides"`
	ExtraMessages []models.Message        `json:"extra_messages"`
	ExtraTools    []models.ToolDefinition `json:"extra_tools"`
	Data          *models.VersionDraft    `json:"data" validate:"excluded_with=AgentID"`
}

func (req *runRequest) isTest() bool {
	return req.VersionID != ""
}

// streaming reports the response mode. Test runs stream unless told not to.
func (req *runRequest) streaming() bool {
	if req.Stream != nil {
		return *req.Stream
	}
	return req.isTest()
}

func (req *runRequest) runnerRequest(received time.Time) *runner.Request {
	return &runner.Request{
		AgentID:       req.AgentID,
		Environment:   req.Environment,
		VersionID:     req.VersionID,
		Draft:         req.Data,
		Variables:     req.Variables,
		Stream:        req.streaming(),
		Overrides:     req.Overrides,
		ExtraMessages: req.ExtraMessages,
		ExtraTools:    req.ExtraTools,
		ReceivedAt:    received,
	}
}

type runResponse struct {
	Text     string           `json:"text"`
	Messages []models.Message `json:"messages"`
}

type runLookupResponse struct {
	Record     *models.RunRecord     `json:"record"`
	Transcript *models.RunTranscript `json:"transcript"`
}

var jsonFieldNames = map[string]string{
	"AgentID":   "agent_id",
	"VersionID": "version_id",
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeRun reads and validates a POST /run body.
func (s *Server) decodeRun(w http.ResponseWriter, r *http.Request) (*runRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	defer r.Body.Close()

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return nil, apperr.Validation("request body exceeds %d bytes", maxErr.Limit)
		case errors.Is(err, io.EOF):
			return nil, apperr.Validation("request body is required")
		default:
			return nil, apperr.Validation("invalid JSON body: %v", err)
		}
	}

	if err := s.validate.Struct(&req); err != nil {
		return nil, validationError(err)
	}
	if o := req.Overrides; o != nil && o.MaxStepCount != nil && *o.MaxStepCount > s.config.MaxStepLimit {
		return nil, apperr.Validation("overrides.max_step_count must be at most %d", s.config.MaxStepLimit)
	}
	for i, m := range req.ExtraMessages {
		if !m.Role.Valid() {
			return nil, apperr.Validation("extra_messages[%d]: invalid role %q", i, m.Role)
		}
	}
	return &req, nil
}

// validationError turns the first validator failure into a caller-facing
// message.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.Wrap(apperr.KindValidation, err, "invalid request")
	}
	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "runRequest.")
	var msg string
	switch fe.Tag() {
	case "required_without":
		msg = "one of agent_id or version_id is required"
	case "excluded_with":
		msg = fmt.Sprintf("%s cannot be combined with %s", field, jsonFieldNames[fe.Param()])
	case "oneof":
		msg = fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "min":
		msg = fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		msg = fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		msg = fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
	}
	return apperr.Validation("%s", msg)
}
