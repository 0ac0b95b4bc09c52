// Package config loads the JSON host configuration of the plugin runtime
// daemon: listen address, admin token, plugin directory and policy file,
// option/counter store backends, lifecycle event forwarding and logging.
package config
