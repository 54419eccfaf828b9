package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/apk-analysis/artguard/internal/engine"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
)

var (
	colorTitle = color.New(color.Bold).SprintFunc()
	colorKey   = color.New(color.FgHiBlue).SprintFunc()
	colorOK    = color.New(color.FgGreen).SprintFunc()
	colorWarn  = color.New(color.FgYellow).SprintFunc()
	colorBad   = color.New(color.FgRed, color.Bold).SprintFunc()
)

// printResult 输出扫描结果
func printResult(w io.Writer, target string, result *domain.ScanResult, details engine.Details) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintf(w, "\n%s %s\n", colorTitle("[Scan]"), target)
	fmt.Fprintln(w, "==========")

	if details.Err != nil {
		fmt.Fprintf(w, "%s %s\n", colorKey("Error:"), colorBad(details.Err))
	}
	if loc := details.Located; loc != nil {
		var mapped uint64
		for _, r := range loc.Regions {
			mapped += r.Size()
		}
		fmt.Fprintf(w, "%s %s (%d-bit)\n", colorKey("Layout:"), loc.Layout.Name, loc.PointerSize*8)
		fmt.Fprintf(w, "%s %d regions, %s\n", colorKey("Mapped:"), len(loc.Regions), humanize.IBytes(mapped))
		fmt.Fprintf(w, "%s %s\n", colorKey("Global refs:"), humanize.Comma(int64(loc.GlobalRefs)))
	}
	if fp := details.Fingerprint; fp != nil && fp.Detected {
		fmt.Fprintf(w, "%s %s (confidence %.2f)\n", colorKey("Framework:"), fp.Name, fp.Confidence)
	} else {
		fmt.Fprintf(w, "%s %s\n", colorKey("Framework:"), result.FrameworkName)
	}

	stats := result.Stats
	fmt.Fprintf(w, "%s %s scanned, %s unmodified, %s hooked by target, %s hooked by others\n",
		colorKey("Methods:"),
		humanize.Comma(int64(stats.Methods)),
		humanize.Comma(int64(stats.Unmodified)),
		humanize.Comma(int64(stats.HookedTarget)),
		humanize.Comma(int64(stats.HookedOther)))
	fmt.Fprintf(w, "%s %d of %d cleared\n", colorKey("Callbacks:"), stats.CallbacksCleared, stats.Callbacks)
	fmt.Fprintf(w, "%s %d bridges, %d trampolines\n", colorKey("Framework code:"), stats.Bridges, stats.Trampolines)
	if result.RuntimeTextPages > 0 {
		fmt.Fprintf(w, "%s %d\n", colorKey("Runtime text pages restored:"), result.RuntimeTextPages)
	}
	fmt.Fprintf(w, "%s %s\n", colorKey("Elapsed:"), details.Elapsed)

	fmt.Fprintf(w, "\n%s 0x%x\n", colorTitle("Flags:"), result.Flags)
	fmt.Fprintf(w, "  self-protected:    %s\n", yesNo(result.Has(domain.FlagSelfProtected)))
	fmt.Fprintf(w, "  hooks neutralized: %s\n", yesNo(result.Has(domain.FlagHooksNeutralized)))

	printList(w, "Restored methods", result.RestoredMethods, colorOK)
	printList(w, "Still hooked", result.UnhookedMethods, colorBad)
	printList(w, "Cleared callbacks", result.ClearedCallbacks, colorWarn)
	return nil
}

func printList(w io.Writer, title string, items []string, paint func(a ...interface{}) string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s (%d)\n", colorTitle(title), len(items))
	for _, item := range items {
		fmt.Fprintf(w, "  %s\n", paint(item))
	}
}

func yesNo(v bool) string {
	if v {
		return colorOK("yes")
	}
	return colorWarn("no")
}
