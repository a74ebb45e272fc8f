package session

import (
	"fmt"
	"strings"
	"time"

	"medcouncil/internal/consult"
)

// ExportMarkdown renders a consultation snapshot as a Markdown report:
// case record, full discussion transcript, last-round votes and the final
// summary.
func ExportMarkdown(name string, snap consult.Snapshot) string {
	var b strings.Builder
	title := name
	if title == "" {
		title = "多专家会诊记录"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "导出时间：%s\n\n", time.Now().Format("2006-01-02 15:04:05"))

	b.WriteString("## 患者病历\n\n")
	writeCase(&b, snap.PatientCase)

	b.WriteString("\n## 参与医生\n\n")
	for _, d := range snap.Doctors {
		status := "在席"
		if d.Status == consult.DoctorEliminated {
			status = "已淘汰"
		}
		fmt.Fprintf(&b, "- %s（%s / %s）：%s\n", d.Name, d.Provider, d.Model, status)
	}

	b.WriteString("\n## 会诊纪要\n\n")
	for _, e := range snap.DiscussionHistory {
		writeEntry(&b, e)
	}

	if len(snap.LastRoundVotes) > 0 {
		b.WriteString("\n## 最后一轮投票\n\n")
		for _, v := range snap.LastRoundVotes {
			fmt.Fprintf(&b, "- %s → %s：%s\n", v.VoterName, v.TargetName, v.Reason)
		}
	}

	if snap.FinalSummary.Status == consult.SummaryReady {
		b.WriteString("\n## 最终总结\n\n")
		if snap.FinalSummary.DoctorName != "" {
			fmt.Fprintf(&b, "执笔：%s\n\n", snap.FinalSummary.DoctorName)
		}
		b.WriteString(snap.FinalSummary.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func writeCase(b *strings.Builder, info consult.PatientCase) {
	if info.Name != "" {
		fmt.Fprintf(b, "- 姓名：%s\n", info.Name)
	}
	if info.Gender != "" {
		fmt.Fprintf(b, "- 性别：%s\n", info.Gender)
	}
	if info.Age != nil {
		fmt.Fprintf(b, "- 年龄：%d\n", *info.Age)
	}
	if info.PastHistory != "" {
		fmt.Fprintf(b, "- 既往史：%s\n", info.PastHistory)
	}
	if info.CurrentProblem != "" {
		fmt.Fprintf(b, "- 主诉：%s\n", info.CurrentProblem)
	}
	if info.ImageRecognitionResult != "" {
		fmt.Fprintf(b, "- 图片识别结果：%s\n", info.ImageRecognitionResult)
	}
}

func writeEntry(b *strings.Builder, e consult.Entry) {
	switch e.Kind {
	case consult.EntrySystem:
		fmt.Fprintf(b, "> %s\n\n", e.Content)
	case consult.EntryDoctor:
		fmt.Fprintf(b, "**%s**：%s\n\n", e.DoctorName, e.Content)
	case consult.EntryPatient:
		author := e.Author
		if author == "" {
			author = "患者"
		}
		fmt.Fprintf(b, "**%s**：%s\n\n", author, e.Content)
	case consult.EntryVoteDetail:
		fmt.Fprintf(b, "- 投票：%s → %s（%s）\n", e.VoterName, e.TargetName, e.Reason)
	case consult.EntryVoteResult:
		fmt.Fprintf(b, "\n> %s\n\n", e.Content)
	}
}
