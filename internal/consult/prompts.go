package consult

import (
	"fmt"
	"strings"

	"medcouncil/internal/provider"
)

// DefaultSystemPrompt is the stock panel-doctor persona.
const DefaultSystemPrompt = "你是一位顶级的、经验丰富的临床诊断医生。你的任务是基于提供的患者病历进行分析和诊断。\n\n现在，你正在参与一个多方专家会诊。你会看到其他医生的诊断意见。请综合考虑他们的分析，这可能会启发你，但你必须保持自己独立的专业判断。\n\n你的发言必须遵循以下原则：\n1.  专业严谨: 你的分析必须基于医学知识和病历信息。\n2.  独立思考: 不要为了迎合他人而轻易改变自己的核心观点。如果其他医生的观点是正确的，你可以表示赞同并加以补充；如果观点有误或你持有不同看法，必须明确、有理有据地指出。\n3.  目标导向: 会诊的唯一目标是为患者找到最佳的解决方案。\n4.  简洁清晰: 直接陈述你的核心诊断、分析和建议。\n\n现在，请根据下面的病历和已有的讨论，发表你的看法。"

// DefaultSummaryPrompt is the stock final-report instruction.
const DefaultSummaryPrompt = "请根据完整会诊内容，以临床医生口吻输出最终总结：包含核心诊断、依据、鉴别诊断、检查建议、治疗建议、随访计划和风险提示。"

const ownStatementTag = "（你自己的发言）"

const voteInstruction = "你现在处于评估阶段，请根据上述讨论标注你认为本轮最不太准确的答案对应的医生（可选择自己）。" +
	"请严格仅输出一个JSON对象，不要包含任何其它文字或标记。JSON格式如下：" +
	`{"targetDoctorId":"<医生ID>","reason":"<简短理由>"}` + "\n" +
	"请确保 targetDoctorId 必须是下面医生列表中的ID之一。"

const voteSystemSuffix = "\n\n重要：现在只需进行评估并输出结果。严格仅输出JSON对象，格式为 " +
	`{"targetDoctorId":"<医生ID>","reason":"<简短理由>"}` + "。不要输出解释、Markdown 或其他多余内容。"

const summaryOutline = "请用中文，以临床医生的口吻，给出最终总结。请至少包含：\n" +
	"1) 核心诊断与分级（如无法明确请给出最可能诊断及概率）；\n" +
	"2) 主要依据（条目式）；\n" +
	"3) 鉴别诊断（按可能性排序）；\n" +
	"4) 进一步检查与理由；\n" +
	"5) 治疗与处置建议（药物剂量如适用）；\n" +
	"6) 随访与复诊时机；\n" +
	"7) 患者教育与风险提示。"

// buildOpinionPrompt embeds the case block and the doctor/patient transcript
// and asks for a professional analysis. When selfID matches a transcript
// author, that line is tagged as the doctor's own statement.
func buildOpinionPrompt(systemPrompt string, patient PatientCase, history []Entry, selfID string) provider.Prompt {
	user := fmt.Sprintf("【患者病历】\n%s\n\n【讨论与患者补充】\n%s\n\n请基于上述信息，给出你的专业分析与建议。",
		formatCase(patient), transcriptText(history, patient, selfID))
	return provider.Prompt{System: systemPrompt, User: user}
}

// buildVotePrompt additionally lists every candidate doctor and demands a
// strict JSON decision object. Self-voting is allowed.
func buildVotePrompt(systemPrompt string, patient PatientCase, history []Entry, roster []Doctor, voter Doctor) provider.Prompt {
	lines := make([]string, 0, len(roster))
	for _, d := range roster {
		lines = append(lines, fmt.Sprintf("- %s（ID: %s）", d.Name, d.ID))
	}
	user := fmt.Sprintf("【患者病历】\n%s\n\n【讨论与患者补充】\n%s\n\n【医生列表】\n%s\n\n你是 %s（ID: %s）。%s",
		formatCase(patient), transcriptText(history, patient, voter.ID),
		strings.Join(lines, "\n"), voter.Name, voter.ID, voteInstruction)
	return provider.Prompt{System: systemPrompt + voteSystemSuffix, User: user}
}

// buildSummaryPrompt embeds the full transcript and the fixed seven-point
// report outline.
func buildSummaryPrompt(systemPrompt string, patient PatientCase, history []Entry) provider.Prompt {
	user := fmt.Sprintf("【患者病历】\n%s\n\n【完整会诊纪要】\n%s\n\n%s",
		formatCase(patient), transcriptText(history, patient, ""), summaryOutline)
	return provider.Prompt{System: systemPrompt, User: user}
}

// formatHistoryForProvider maps doctor entries to the assistant role and
// patient entries to the user role, in original order. System and vote
// entries never reach the provider.
func formatHistoryForProvider(history []Entry, patient PatientCase, selfID string) []provider.Message {
	msgs := make([]provider.Message, 0, len(history))
	for _, item := range history {
		switch item.Kind {
		case EntryDoctor:
			content := fmt.Sprintf("%s: %s", item.DoctorName, item.Content)
			if selfID != "" && item.DoctorID == selfID {
				content = ownStatementTag + content
			}
			msgs = append(msgs, provider.Message{Role: "assistant", Content: content})
		case EntryPatient:
			msgs = append(msgs, provider.Message{Role: "user", Content: fmt.Sprintf("%s: %s", patientLabel(patient), item.Content)})
		}
	}
	return msgs
}

func transcriptText(history []Entry, patient PatientCase, selfID string) string {
	var lines []string
	for _, item := range history {
		switch item.Kind {
		case EntryDoctor:
			name := item.DoctorName
			if selfID != "" && item.DoctorID == selfID {
				name += ownStatementTag
			}
			lines = append(lines, fmt.Sprintf("%s: %s", name, item.Content))
		case EntryPatient:
			lines = append(lines, fmt.Sprintf("%s: %s", patientLabel(patient), item.Content))
		}
	}
	if len(lines) == 0 {
		return "（暂无）"
	}
	return strings.Join(lines, "\n")
}

func patientLabel(patient PatientCase) string {
	if patient.Name != "" {
		return fmt.Sprintf("患者（%s）", patient.Name)
	}
	return "患者"
}

func genderLabel(gender string) string {
	switch strings.ToLower(strings.TrimSpace(gender)) {
	case "male", "m":
		return "男"
	case "female", "f":
		return "女"
	default:
		return strings.TrimSpace(gender)
	}
}

// formatCase emits only the fields that are present, one per line.
func formatCase(info PatientCase) string {
	var parts []string
	if info.Name != "" {
		parts = append(parts, "姓名: "+info.Name)
	}
	if g := genderLabel(info.Gender); g != "" {
		parts = append(parts, "性别: "+g)
	}
	if info.Age != nil {
		parts = append(parts, fmt.Sprintf("年龄: %d", *info.Age))
	}
	if info.PastHistory != "" {
		parts = append(parts, "既往史: "+info.PastHistory)
	}
	if info.CurrentProblem != "" {
		parts = append(parts, "主诉: "+info.CurrentProblem)
	}
	if info.ImageRecognitionResult != "" {
		parts = append(parts, "图片识别结果: "+info.ImageRecognitionResult)
	}
	return strings.Join(parts, "\n")
}
