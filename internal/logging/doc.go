// Provides the slog handler used by kiln.
//
// Code throughout kiln logs through [log/slog]. The [Handler] installed as the
// default handler renders records through logrus, which gives the daemon and
// the CLI the same text formatting that containerd's own client logging uses.
//
// The handler starts in buffered mode: records are held in memory until the
// command line has been parsed and the final level, formatter and stream are
// known. [Handler.Flush] then replays the buffered records that pass the final
// level and switches the handler to direct output.
//
// Example usage:
//
//	handler := logging.NewHandler()
//	slog.SetDefault(slog.New(handler))
//
//	// ... parse flags ...
//
//	handler.SetLevel(slog.LevelDebug)
//	handler.SetFormatter(logging.NewFormatter(true, false))
//	handler.SetStream(os.Stderr)
//	handler.Flush()
package logging
