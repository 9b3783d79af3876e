package config

import "strings"

// SecretPaths is the closed set of JSON Pointer paths that may hold secrets.
// Values at these paths never appear in the revision hash, in redacted reads,
// or in normal patch traffic.
var SecretPaths = []string{
	"/ai/secrets/anthropicApiKey",
	"/ai/secrets/openaiApiKey",
	"/ai/secrets/geminiApiKey",
	"/ai/secrets/openrouterApiKey",
	"/tools/secrets/braveApiKey",
	"/tools/secrets/perplexityApiKey",
	"/channels/telegram/secrets/botToken",
	"/stt/secrets/awsAccessKeyId",
	"/stt/secrets/awsSecretAccessKey",
}

// IsSecretPath reports whether p is a known secret path.
func IsSecretPath(p string) bool {
	for _, s := range SecretPaths {
		if p == s {
			return true
		}
	}
	return false
}

// TargetsSecrets reports whether a patch path touches any secrets subtree.
// Patches may not read or write through a "secrets" segment at all, so
// replacing a whole secrets object is rejected too.
func TargetsSecrets(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "secrets" {
			return true
		}
	}
	return false
}

// hotPrefixes lists the JSON Pointer prefixes whose mutations are applied by
// the hot-swap coordinator without a restart. Everything else lands in
// needsRestart.
var hotPrefixes = []string{
	"/ai",
	"/embedding",
	"/tools",
	"/channels",
	"/stt",
	"/scheduler",
	"/memory",
	"/gateway/corsOrigins",
}

// IsHotApplicable reports whether a mutated path can be applied live.
func IsHotApplicable(p string) bool {
	for _, prefix := range hotPrefixes {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

// RestartFields partitions the mutated paths, returning those that need a
// process restart to take effect.
func RestartFields(paths []string) []string {
	var out []string
	for _, p := range paths {
		if !IsHotApplicable(p) {
			out = append(out, p)
		}
	}
	return out
}
