package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/watchlist/internal/imaging"
	"github.com/andresmejia3/watchlist/internal/types"
	"github.com/andresmejia3/watchlist/internal/utils"
	"github.com/spf13/cobra"
)

var matchOutput string

var matchCmd = &cobra.Command{
	Use:   "match <image_path>",
	Short: "Match every face in an image against the allow and deny lists",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// Only the matching flags are registered here; the rest report unchanged.
		applyServeFlags(cmd, Cfg)
		return runMatch(cmd.Context(), args[0])
	},
}

func init() {
	f := matchCmd.Flags()
	f.Float64VarP(&serveFlags.threshold, "threshold", "t", 0, "Face matching threshold (Euclidean distance)")
	f.StringVar(&serveFlags.policy, "policy", "", "Match policy: first or nearest")
	f.StringVarP(&serveFlags.knownFaces, "known-faces", "k", "", "Known faces directory (whitelist/ and blacklist/)")
	f.StringVar(&serveFlags.source, "source", "", "Enrollment source: dir or db")
	f.StringVarP(&matchOutput, "output", "o", "", "Write an annotated copy of the image to this path")
	rootCmd.AddCommand(matchCmd)
}

func runMatch(ctx context.Context, imagePath string) error {
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}
	if err := Cfg.Validate(); err != nil {
		utils.ShowError("Invalid configuration", err, nil)
		return err
	}

	w, err := startWorker(ctx, Cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	gallery, err := loadGallery(ctx, Cfg, w)
	if err != nil {
		return err
	}
	engine, err := newEngine(gallery, Cfg)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	detections, err := w.Detect(ctx, imgData)
	if err != nil {
		utils.ShowError("AI processing failed", err, w.Cmd)
		return err
	}
	if len(detections) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}

	var matches []types.FaceMatch
	out := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(out, "#\tBOX (T,R,B,L)\tCATEGORY\tLABEL")
	fmt.Fprintln(out, "-\t-------------\t--------\t-----")
	for i, d := range detections {
		res, err := engine.Match(d.Embedding)
		if err != nil {
			fmt.Fprintf(out, "%d\t%s\t-\t%v\n", i+1, fmtBox(d.Box), err)
			continue
		}
		fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", i+1, fmtBox(d.Box), res.Category, res.Label)
		matches = append(matches, types.FaceMatch{Label: res.Label, Category: res.Category, Box: d.Box})
	}
	out.Flush()

	if matchOutput != "" {
		annotated, err := imaging.AnnotateJPEG(imgData, matches, 90)
		if err != nil {
			utils.ShowError("Failed to annotate image", err, nil)
			return err
		}
		if err := os.WriteFile(matchOutput, annotated, 0644); err != nil {
			utils.ShowError("Failed to write annotated image", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "🖼️  Annotated image written to %s\n", matchOutput)
	}
	return nil
}

func fmtBox(b types.Box) string {
	return fmt.Sprintf("%d,%d,%d,%d", b.Top, b.Right, b.Bottom, b.Left)
}
