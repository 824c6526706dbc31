package utils

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/vitwit/x402-checkout/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Register custom validators
	_ = validate.RegisterValidation("caip2", validateNetworkTag)
	_ = validate.RegisterValidation("evmaddress", validateEVMAddressTag)
}

// Validator exposes the shared validator so other packages validate with the
// same custom tags.
func Validator() *validator.Validate {
	return validate
}

// ValidateRequirements runs struct tag validation plus the semantic checks
// that tags cannot express.
func ValidateRequirements(req *types.PaymentRequirements) error {
	if err := validate.Struct(req); err != nil {
		return &types.X402Error{
			Code:    types.ErrInvalidRequirements,
			Message: fmt.Sprintf("validation failed: %v", err),
			Err:     err,
		}
	}

	if err := req.Validate(); err != nil {
		return &types.X402Error{
			Code:    types.ErrInvalidRequirements,
			Message: err.Error(),
			Err:     err,
		}
	}

	if req.Network.IsEVM() {
		if err := ValidateAddressForNetwork(req.PayTo, req.Network); err != nil {
			return &types.X402Error{
				Code:    types.ErrInvalidRequirements,
				Message: fmt.Sprintf("invalid payTo: %v", err),
				Err:     err,
			}
		}
	}

	return nil
}

// ParseX402Config parses X402Config from JSON. Missing retry settings fall
// back to types.DefaultRetryPolicy.
func ParseX402Config(data []byte) (*types.X402Config, error) {
	var config types.X402Config

	if err := json.Unmarshal(data, &config); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("failed to parse x402 config: %v", err),
			Err:     err,
		}
	}

	ApplyConfigDefaults(&config)

	if err := validate.Struct(&config); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("validation failed: %v", err),
			Err:     err,
		}
	}

	return &config, nil
}

// ApplyConfigDefaults fills zero values of config.
func ApplyConfigDefaults(config *types.X402Config) {
	def := types.DefaultRetryPolicy()
	if config.Retry.Interval <= 0 {
		config.Retry.Interval = def.Interval
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry.MaxAttempts = def.MaxAttempts
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
}

// NormalizeJSON formats JSON with consistent indentation
func NormalizeJSON(data interface{}) ([]byte, error) {
	return json.MarshalIndent(data, "", "  ")
}

func validateNetworkTag(fl validator.FieldLevel) bool {
	return types.Network(fl.Field().String()).Validate() == nil
}

func validateEVMAddressTag(fl validator.FieldLevel) bool {
	return ValidateAddress(fl.Field().String())
}
