// Package api exposes the REST surface for generating, signing, and
// submitting user operations, and for inspecting submission records.
package api
