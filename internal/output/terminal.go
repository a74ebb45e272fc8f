package output

import (
	"fmt"

	"medcouncil/internal/consult"
)

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

// Colorize wraps s with an ANSI color code and reset.
func Colorize(color, s string) string { return color + s + ansiReset }

// Bold wraps s with ANSI bold and reset.
func Bold(s string) string { return ansiBold + s + ansiReset }

// PrintEntry prints one discussion entry to stdout.
func PrintEntry(e consult.Entry) {
	switch e.Kind {
	case consult.EntrySystem:
		fmt.Printf("%s\n", Colorize(ansiGray, "· "+e.Content))
	case consult.EntryDoctor:
		fmt.Printf("%s: %s\n", Bold(e.DoctorName), e.Content)
	case consult.EntryPatient:
		author := e.Author
		if author == "" {
			author = "患者"
		}
		fmt.Printf("%s: %s\n", Colorize(ansiGreen, author), e.Content)
	case consult.EntryVoteDetail:
		fmt.Printf("%s %s → %s: %s\n",
			Colorize(ansiYellow, "[投票]"), e.VoterName, e.TargetName, e.Reason)
	case consult.EntryVoteResult:
		fmt.Printf("%s\n", Colorize(ansiBold+ansiYellow, e.Content))
	}
}

// PrintPhase prints a phase transition banner.
func PrintPhase(phase consult.Phase, round int) {
	var name, color string
	switch phase {
	case consult.PhaseDiscussion:
		name, color = fmt.Sprintf("第 %d 轮讨论", round), ansiCyan
	case consult.PhaseVoting:
		name, color = fmt.Sprintf("第 %d 轮投票", round), ansiYellow
	case consult.PhaseFinished:
		name, color = "会诊结束", ansiRed
	default:
		name, color = string(phase), ansiCyan
	}
	fmt.Printf("\n%s\n\n", Colorize(ansiBold+color, "=== "+name+" ==="))
}

// PrintRoster prints the roster with elimination state.
func PrintRoster(doctors []consult.Doctor) {
	for _, d := range doctors {
		status := Colorize(ansiGreen, "在席")
		if d.Status == consult.DoctorEliminated {
			status = Colorize(ansiRed, "已淘汰")
		}
		fmt.Printf("  %s（%s / %s）%s\n", Bold(d.Name), d.Provider, d.Model, status)
	}
}

// PrintSummary prints the final summary block.
func PrintSummary(s consult.FinalSummary) {
	switch s.Status {
	case consult.SummaryReady:
		header := "最终总结"
		if s.DoctorName != "" {
			header = fmt.Sprintf("最终总结（%s 执笔）", s.DoctorName)
		}
		fmt.Printf("\n%s\n%s\n", Colorize(ansiBold+ansiGreen, "=== "+header+" ==="), s.Content)
	case consult.SummaryError:
		fmt.Printf("\n%s %s\n", Colorize(ansiRed, "[总结失败]"), s.Content)
	}
}
