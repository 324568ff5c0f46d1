package ctrlsock

import (
	"fmt"
	"strconv"
	"strings"
)

// decodeMsg parses "COMMAND [arg]" control-channel payloads into the fixed
// message set from spec.md §4.9.
func decodeMsg(payload string) (Msg, error) {
	payload = strings.TrimRight(payload, "\x00")
	fields := strings.Fields(payload)
	if len(fields) == 0 {
		return Msg{}, fmt.Errorf("ctrlsock: empty control message")
	}

	switch fields[0] {
	case "set-log-level":
		if len(fields) < 2 {
			return Msg{}, fmt.Errorf("ctrlsock: set-log-level requires a level argument")
		}
		return Msg{Kind: MsgSetLogLevel, LogLevel: fields[1]}, nil

	case "stop-exec-queue":
		return Msg{Kind: MsgStopExecQueue}, nil

	case "start-exec-queue":
		return Msg{Kind: MsgStartExecQueue}, nil

	case "reload":
		return Msg{Kind: MsgReload}, nil

	case "set-env":
		if len(fields) < 2 {
			return Msg{}, fmt.Errorf("ctrlsock: set-env requires a key[=value] argument")
		}
		key, val, _ := strings.Cut(fields[1], "=")
		return Msg{Kind: MsgSetEnv, EnvKey: key, EnvValue: val}, nil

	case "set-children-max":
		if len(fields) < 2 {
			return Msg{}, fmt.Errorf("ctrlsock: set-children-max requires an integer argument")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return Msg{}, fmt.Errorf("ctrlsock: set-children-max: %w", err)
		}
		return Msg{Kind: MsgSetChildrenMax, ChildrenMax: n}, nil

	case "ping":
		return Msg{Kind: MsgPing}, nil

	case "exit":
		return Msg{Kind: MsgExit}, nil

	default:
		return Msg{}, fmt.Errorf("ctrlsock: unrecognized control command %q", fields[0])
	}
}
