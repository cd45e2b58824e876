// Parses flags and dispatches the kiln commands.
//
// Global flags:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Enable verbose output.
//	-d, --debug     Enable debug output.
//	-s, --socket    Unix socket path.
//
// Commands:
//
//	start           Run the daemon.
//	build [DIR]     Generate, check and build the project image.
//	render [DIR]    Print the generated recipe, or a Dockerfile with --dockerfile.
//	probe URL       Monitor a health endpoint.
//	status, stop    Query or stop the daemon.
//	cache ls|prune  Inspect or prune the layer cache and cache mounts.
//	version         Print version information.
//
// Flags override build-time defaults set via linker flags. After parsing, the
// global logger is reconfigured to reflect the final level and verbosity before
// the selected command runs.
package cli
