// Package config provides startup configuration for the useropd service: the
// JSON main config plus a pointer to the YAML chain catalog consumed by the
// chain package.
package config
