// Command examples lists the plugins of a running host and prints the
// permissions waiting for approval.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"PluginRuntime/sdk/go/pluginadmin"
)

func main() {
	baseURL := os.Getenv("PLUGINHOST_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	client, err := pluginadmin.NewClient(baseURL, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	client.SetToken(os.Getenv("PLUGINHOST_ADMIN_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	plugins, err := client.ListPlugins(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, p := range plugins {
		fmt.Printf("%-16s %-10s %s\n", p.Metadata.Slug, p.Metadata.Version, p.State)
		perms, err := client.Permissions(ctx, p.Metadata.Slug)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  permissions: %v\n", err)
			continue
		}
		for _, pending := range perms.Pending {
			usage := perms.Usage[pending]
			fmt.Printf("  pending %s (denied %d times)\n", pending, usage.Denied)
		}
	}
}
