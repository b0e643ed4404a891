package device

import (
	"fmt"
	"net"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	maxNameLength    = 100
	maxIDLength      = 64
	maxAddressLength = 253
)

// ValidateDevice checks a device before it is persisted. Port 0 is
// replaced with DefaultPort and a missing ID is derived from the name.
func ValidateDevice(d *Device) error {
	if d == nil {
		return fmt.Errorf("%w: device is nil", ErrInvalidDevice)
	}

	if err := ValidateName(d.Name); err != nil {
		return err
	}

	if d.ID == "" {
		d.ID = GenerateSlug(d.Name)
		if d.ID == "" {
			d.ID = GenerateID()
		}
	}
	if err := ValidateID(d.ID); err != nil {
		return err
	}

	if d.Port == 0 {
		d.Port = DefaultPort
	}
	return ValidateAddress(d.Address, d.Port)
}

// ValidateName checks the display name.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// ValidateID accepts lowercase letters, digits and single hyphens.
// IDs appear in MQTT topics so wildcards and separators are rejected.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidID)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: id exceeds %d characters", ErrInvalidID, maxIDLength)
	}
	for _, r := range id {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidID, id, r)
		}
	}
	if strings.HasPrefix(id, "-") || strings.HasSuffix(id, "-") || strings.Contains(id, "--") {
		return fmt.Errorf("%w: %q has misplaced hyphens", ErrInvalidID, id)
	}
	return nil
}

// ValidateAddress checks the host and port.
func ValidateAddress(address string, port int) error {
	if address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidAddress)
	}
	if len(address) > maxAddressLength {
		return fmt.Errorf("%w: address too long", ErrInvalidAddress)
	}
	if strings.ContainsAny(address, "/?#@ ") {
		return fmt.Errorf("%w: %q must be a bare host name or IP", ErrInvalidAddress, address)
	}
	if strings.Contains(address, ":") && net.ParseIP(address) == nil {
		return fmt.Errorf("%w: %q contains a port; use the port field", ErrInvalidAddress, address)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidAddress, port)
	}
	return nil
}

// GenerateSlug creates a URL-safe slug from a name.
func GenerateSlug(name string) string {
	slug := strings.ToLower(name)
	slug = strings.NewReplacer(" ", "-", "_", "-").Replace(slug)

	var b strings.Builder
	for _, r := range slug {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	slug = b.String()

	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	slug = strings.Trim(slug, "-")

	if len(slug) > maxIDLength {
		slug = strings.TrimRight(slug[:maxIDLength], "-")
	}
	return slug
}

// GenerateID creates a random ID for a device whose name yields no slug.
func GenerateID() string {
	return uuid.New().String()
}
