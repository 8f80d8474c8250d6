// handlers_config.go - HTTP handlers for normalization alias rules
package api

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/loglens/backend/internal/normalize"
	"gopkg.in/yaml.v3"
)

// maxRulesBody caps the alias rules document size.
const maxRulesBody = 1 << 20

// HandleGetAliases returns the active normalization rules.
func (h *Handlers) HandleGetAliases(c echo.Context) error {
	h.aliasMu.Lock()
	rules := h.aliasRules
	h.aliasMu.Unlock()
	return c.JSON(http.StatusOK, rules)
}

// HandlePutAliases replaces the active normalization rules. The body is a
// YAML document; JSON is accepted too since YAML is a superset. New analysis
// sessions pick up the rules immediately, running sessions keep the rules
// they started with.
func (h *Handlers) HandlePutAliases(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRulesBody))
	if err != nil {
		return NewBadRequestError("failed to read request body", err)
	}
	if len(body) == 0 {
		return NewValidationError("body")
	}

	rules, err := normalize.ParseRulesFromBytes(body)
	if err != nil {
		return NewBadRequestError("invalid alias rules", err)
	}

	if err := h.applyAliasRules(rules); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rules)
}

// applyAliasRules installs rules on the session manager and persists them
// when an on-disk location is configured.
func (h *Handlers) applyAliasRules(rules *normalize.Rules) error {
	h.aliasMu.Lock()
	defer h.aliasMu.Unlock()

	h.sessions.SetNormalizer(normalize.New(rules))
	h.aliasRules = rules

	if h.aliasPath != "" {
		data, err := yaml.Marshal(rules)
		if err != nil {
			return NewInternalError("failed to encode alias rules", err)
		}
		if err := os.WriteFile(h.aliasPath, data, 0644); err != nil {
			return NewInternalError("failed to persist alias rules", err)
		}
		fmt.Printf("[Config] Alias rules updated, persisted to %s\n", h.aliasPath)
	} else {
		fmt.Printf("[Config] Alias rules updated (in-memory only)\n")
	}
	return nil
}
