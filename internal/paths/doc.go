// Provides platform-appropriate paths for kiln.
//
// All paths follow XDG conventions on Linux and platform-native conventions
// on macOS and Windows. The program name "kiln" is used as the subdirectory
// under each base path. Runtime files (socket, PID) live under the runtime
// directory; the layer index and cache mount directories live under the cache
// directory and persist across builds.
package paths
