package failure

import (
	"fmt"
	"strings"

	"github.com/gookit/color"
)

const rule = "================================================================================"
const thinRule = "--------------------------------------------------------------------------------"

// Format renders a failure for terminal display, banner-style.
func Format(f Failure) string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(color.Gray.Sprint(rule))
	b.WriteString("\n")
	b.WriteString(color.Red.Sprintf("%s", strings.ToUpper(string(f.FailureKind()))))
	b.WriteString("\n")
	b.WriteString(color.Gray.Sprint(rule))
	b.WriteString("\n")
	b.WriteString(color.Bold.Sprint("Invocation: "))
	b.WriteString(fmt.Sprintf("%s\n", f.InvocationID()))
	b.WriteString(color.Bold.Sprint("Message:    "))
	b.WriteString(color.Red.Sprintf("%s\n", f.Error()))

	switch v := f.(type) {
	case *IncorrectResults:
		b.WriteString(color.Bold.Sprint("Scenario:   "))
		b.WriteString(v.Scenario + "\n")
		if len(v.Trace) > 0 {
			b.WriteString(color.Gray.Sprint(thinRule))
			b.WriteString("\n")
			b.WriteString(color.Cyan.Sprint("Interleaving trace:"))
			b.WriteString("\n")
			for _, line := range v.Trace {
				b.WriteString("  " + line + "\n")
			}
		}
	case *Deadlock:
		b.WriteString(color.Gray.Sprint(thinRule))
		b.WriteString("\n")
		b.WriteString(color.Cyan.Sprint("Thread dump:"))
		b.WriteString("\n")
		for _, e := range v.ThreadDump {
			b.WriteString(fmt.Sprintf("  thread %d: %s\n", e.ThreadID, e.State))
		}
	case *ObstructionFreedomViolation:
		b.WriteString(color.Bold.Sprint("Location:   "))
		b.WriteString(fmt.Sprintf("%s (%d repeats)\n", v.CodeLocation, v.Repeats))
	case *UnexpectedException:
		b.WriteString(color.Bold.Sprint("Actor:      "))
		b.WriteString(fmt.Sprintf("%s threw %s\n", v.ActorMethod, v.ClassName))
	case *NonDeterminism:
		b.WriteString(color.Bold.Sprint("First run:  "))
		b.WriteString(v.FirstRun + "\n")
		b.WriteString(color.Bold.Sprint("Second run: "))
		b.WriteString(v.SecondRun + "\n")
	}

	b.WriteString(color.Gray.Sprint(rule))
	b.WriteString("\n")
	return b.String()
}
