package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"medcouncil/internal/consult"
	"medcouncil/internal/imagerec"
	"medcouncil/internal/output"
	"medcouncil/internal/provider"
	"medcouncil/internal/session"
)

func newConsultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consult",
		Short: "Run a consultation for one patient case in the terminal",
		RunE:  runConsult,
	}
	cmd.Flags().String("name", "", "Patient name (required)")
	cmd.Flags().String("gender", "", "Patient gender (male/female)")
	cmd.Flags().Int("age", 0, "Patient age")
	cmd.Flags().String("past-history", "", "Past medical history")
	cmd.Flags().String("problem", "", "Current problem / chief complaint (required)")
	cmd.Flags().StringSlice("image", nil, "Case image file to run through recognition (repeatable)")
	cmd.Flags().String("output-dir", "output", "Directory for run artifacts")
	cmd.Flags().Bool("save", true, "Save the finished consultation to the session database")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("problem")
	return cmd
}

func runConsult(cmd *cobra.Command, args []string) error {
	log := setupLogger(cmd)
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("name")
	gender, _ := cmd.Flags().GetString("gender")
	age, _ := cmd.Flags().GetInt("age")
	pastHistory, _ := cmd.Flags().GetString("past-history")
	problem, _ := cmd.Flags().GetString("problem")
	images, _ := cmd.Flags().GetStringSlice("image")
	outputDir, _ := cmd.Flags().GetString("output-dir")
	save, _ := cmd.Flags().GetBool("save")

	patient := consult.PatientCase{
		Name:           name,
		Gender:         gender,
		PastHistory:    pastHistory,
		CurrentProblem: problem,
	}
	if cmd.Flags().Changed("age") {
		patient.Age = &age
	}
	if err := consult.ValidatePatientCase(patient); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := provider.NewClient()

	if len(images) > 0 {
		result, err := recognizeImages(ctx, cfg.ImageRecognition, images, log)
		if err != nil {
			return err
		}
		patient.ImageRecognitionResult = result
	}

	dir, err := output.CreateOutputDir(outputDir, output.GenerateSlug(name))
	if err != nil {
		return err
	}
	writer := output.NewWriter(dir)

	engine := consult.NewEngine(cfg.Settings(), cfg.Roster(), client, log)
	printer := newLivePrinter(writer)
	engine.OnEvent = printer.handle

	fmt.Printf("患者：%s | 医生：%d 位 | 输出目录：%s\n", name, len(cfg.Doctors), dir)
	output.PrintRoster(cfg.Roster())

	if err := engine.Run(ctx, patient); err != nil {
		return fmt.Errorf("consult: %w", err)
	}
	printer.flush()

	snap := engine.Snapshot()
	output.PrintSummary(snap.FinalSummary)

	if err := writer.WriteJSON(snap); err != nil {
		return fmt.Errorf("writing JSON: %w", err)
	}
	if err := writer.WriteMarkdown(name, snap); err != nil {
		return fmt.Errorf("writing markdown: %w", err)
	}

	if save {
		store, err := session.Open(cfg.SessionDB)
		if err != nil {
			return err
		}
		id, err := store.Save("", "", snap)
		if err != nil {
			return err
		}
		fmt.Printf("\n会诊已保存，会话 ID：%s\n", id)
	}
	fmt.Printf("结果已写入：%s\n", dir)
	return nil
}

// recognizeImages pushes every image through the bounded recognition queue
// and joins the findings.
func recognizeImages(ctx context.Context, cfg imagerec.Config, paths []string, log zerolog.Logger) (string, error) {
	if !cfg.Enabled {
		return "", fmt.Errorf("image recognition is disabled in the config")
	}
	queue := imagerec.NewQueue(cfg, imagerec.NewClient(), log)
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		queue.Enqueue(ctx, filepath.Base(path), base64.StdEncoding.EncodeToString(data))
	}
	queue.Wait()

	for _, item := range queue.Items() {
		if item.Status == imagerec.StatusError {
			log.Warn().Str("file", item.FileName).Str("error", item.Error).Msg("image skipped")
		}
	}
	return strings.Join(queue.Results(), "\n\n"), nil
}

// livePrinter renders the engine event feed as a terminal transcript,
// streaming doctor opinions as they are revealed.
type livePrinter struct {
	writer    *output.Writer
	streaming string
	printed   map[string]int
}

func newLivePrinter(writer *output.Writer) *livePrinter {
	return &livePrinter{writer: writer, printed: make(map[string]int)}
}

func (p *livePrinter) handle(ev consult.Event) {
	switch ev.Type {
	case consult.EventEntryAppended:
		entry := *ev.Entry
		if entry.Kind == consult.EntryDoctor && entry.Content == "" {
			p.flush()
			fmt.Printf("%s: ", output.Bold(entry.DoctorName))
			p.streaming = entry.ID
			p.printed[entry.ID] = 0
			return
		}
		p.flush()
		output.PrintEntry(entry)
		p.logEntry(entry)
	case consult.EventEntryUpdated:
		if n, ok := p.printed[ev.Entry.ID]; ok {
			fmt.Print(ev.Entry.Content[n:])
			p.printed[ev.Entry.ID] = len(ev.Entry.Content)
		}
	case consult.EventPhaseChanged:
		p.flush()
		output.PrintPhase(ev.Phase, ev.Round)
	case consult.EventSummaryChanged:
		if ev.Summary.Status == consult.SummaryPending {
			p.flush()
			fmt.Println("正在生成最终总结...")
		}
	}
}

// flush terminates an in-flight streamed line.
func (p *livePrinter) flush() {
	if p.streaming != "" {
		fmt.Println()
		p.streaming = ""
	}
}

func (p *livePrinter) logEntry(entry consult.Entry) {
	switch entry.Kind {
	case consult.EntrySystem:
		p.writer.Log(entry.Content)
	case consult.EntryVoteDetail:
		p.writer.Log(fmt.Sprintf("vote: %s -> %s (%s)", entry.VoterName, entry.TargetName, entry.Reason))
	case consult.EntryVoteResult:
		p.writer.Log(entry.Content)
	}
}
