package suplog

import (
	"fmt"
	"time"

	"github.com/dogmatiq/dodeca/logging"
)

// LogStart logs a message indicating that a child has started.
func LogStart(
	log logging.Logger,
	childID string,
	handleID string,
) {
	logging.LogString(
		log,
		String(
			[]IconWithLabel{
				ChildIDIcon.WithID(childID),
				HandleIDIcon.WithID(handleID),
			},
			[]Icon{
				StartIcon,
				"",
			},
			"started",
		),
	)
}

// LogStop logs a message indicating that a child has been deliberately
// stopped.
func LogStop(
	log logging.Logger,
	childID string,
	handleID string,
) {
	logging.LogString(
		log,
		String(
			[]IconWithLabel{
				ChildIDIcon.WithID(childID),
				HandleIDIcon.WithID(handleID),
			},
			[]Icon{
				StopIcon,
				"",
			},
			"stopped",
		),
	)
}

// LogAbandon logs a message indicating that a child did not exit within its
// grace period and has been abandoned.
func LogAbandon(
	log logging.Logger,
	childID string,
	handleID string,
	grace time.Duration,
) {
	logging.LogString(
		log,
		String(
			[]IconWithLabel{
				ChildIDIcon.WithID(childID),
				HandleIDIcon.WithID(handleID),
			},
			[]Icon{
				AbandonIcon,
				ErrorIcon,
			},
			fmt.Sprintf("abandoned after %s grace period", grace),
		),
	)
}

// LogExit logs a message indicating that a child has exited of its own
// accord.
func LogExit(
	log logging.Logger,
	childID string,
	handleID string,
	cause error,
) {
	var icon Icon
	var text string

	if cause != nil {
		icon = ErrorIcon
		text = cause.Error()
	} else {
		text = "exited normally"
	}

	logging.LogString(
		log,
		String(
			[]IconWithLabel{
				ChildIDIcon.WithID(childID),
				HandleIDIcon.WithID(handleID),
			},
			[]Icon{
				StopIcon,
				icon,
			},
			text,
		),
	)
}

// LogRestart logs a message indicating that a child is being restarted.
func LogRestart(
	log logging.Logger,
	childID string,
	delay time.Duration,
) {
	var text string
	if delay > 0 {
		text = fmt.Sprintf("restarting in %s", delay)
	} else {
		text = "restarting"
	}

	logging.LogString(
		log,
		String(
			[]IconWithLabel{
				ChildIDIcon.WithID(childID),
			},
			[]Icon{
				RestartIcon,
				"",
			},
			text,
		),
	)
}

// LogEscalate logs a message indicating that the supervisor has exceeded its
// restart intensity and is terminating.
func LogEscalate(
	log logging.Logger,
	restarts int,
	window time.Duration,
) {
	logging.LogString(
		log,
		String(
			nil,
			[]Icon{
				EscalateIcon,
				ErrorIcon,
			},
			fmt.Sprintf("restart intensity exceeded: %d restarts within %s", restarts, window),
		),
	)
}

// LogRegister logs a message indicating that a child's handle has been
// published under a registry name.
func LogRegister(
	log logging.Logger,
	childID string,
	name string,
) {
	logging.Debug(
		log,
		"%s",
		String(
			[]IconWithLabel{
				ChildIDIcon.WithID(childID),
				RegistryIcon.WithLabel(name),
			},
			[]Icon{
				SupervisorIcon,
				"",
			},
			"registered",
		),
	)
}
