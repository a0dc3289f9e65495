/*
Package prefork documents the prefork module.

This module is CLI-first and ships the prefork command:

	go install github.com/nuetzliches/prefork/cmd/prefork@latest

The configuration builder lives in internal/config and the worker host in
internal/server. Implementation packages are internal and are not a stable
public Go API.
*/
package prefork
