package config

import "os"

// ExpandEnv expands environment variables in YAML content using the
// standard library's shell-style ${VAR}/$VAR syntax, same as the teacher's
// pkg/config.ExpandEnv. Missing variables expand to empty string;
// validation is responsible for catching required fields left empty.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
