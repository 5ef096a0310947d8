// Limiteron is a flow-control decision engine for request admission.
//
// It combines rate limiting, quota accounting, ban management, and
// circuit breaking behind a single decision endpoint:
//
//	# Start the admission server with default configuration
//	limiteron run
//
//	# Start with a custom configuration file
//	limiteron run --config /etc/limiteron/config.yaml
//
//	# Start and reload the configuration on file changes
//	limiteron run --watch
//
//	# Manage the ban list
//	limiteron bans list --active
//	limiteron bans add --target 203.0.113.7 --type ip --reason "abuse"
//	limiteron bans remove --target 203.0.113.7
//
//	# Show version information
//	limiteron version
//
// For complete documentation, see: https://github.com/Kirky-X/limiteron
package main

func main() {
	Execute()
}
