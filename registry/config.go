package registry

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/go-playground/validator/v10"
)

// SyncConfig is the frozen per-store automation configuration decoded from
// the store_master.sync_config JSON column. Unknown JSON fields are ignored;
// required fields are validated at load time. Instances are returned by
// value and never shared across stores.
type SyncConfig struct {
	URLs struct {
		Login      string `json:"login" validate:"required"`
		Home       string `json:"home" validate:"required"`
		OrdersLink string `json:"orders_link"`
		SalesLink  string `json:"sales_link"`
	} `json:"urls"`
	LoginSelector LoginSelectors `json:"login_selector"`
	Username      string         `json:"username" validate:"required"`
	Password      string         `json:"password" validate:"required"`
}

// LoginSelectors are the CSS selectors of the login form controls. TD logins
// fill username/password/store-code; UC logins fill email/password.
type LoginSelectors struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password" validate:"required"`
	StoreCode string `json:"store_code"`
	Submit    string `json:"submit" validate:"required"`
}

var validate = validator.New()

// decodeSyncConfig parses |raw|, first applying |override| as an RFC 7386
// JSON merge patch when present. Per-environment overrides let operators
// repoint URLs (say, at a UAT instance) without editing the base config.
func decodeSyncConfig(raw, override []byte) (SyncConfig, error) {
	var cfg SyncConfig

	if len(raw) == 0 {
		return cfg, fmt.Errorf("sync_config is empty")
	}
	if len(override) != 0 {
		var patched, err = jsonpatch.MergePatch(raw, override)
		if err != nil {
			return cfg, fmt.Errorf("applying sync_config override: %w", err)
		}
		raw = patched
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decoding sync_config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return cfg, fmt.Errorf("validating sync_config: %w", err)
	}
	return cfg, nil
}
