package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/invoicesearchjp/invoicesearch/internal/invoice"
	"github.com/invoicesearchjp/invoicesearch/internal/query"
	"github.com/invoicesearchjp/invoicesearch/internal/reconcile"
	"github.com/invoicesearchjp/invoicesearch/internal/render"
	"github.com/invoicesearchjp/invoicesearch/internal/storage"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(appName+" "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// parseArgs parses flags that may appear before or after positional
// arguments, as in "search 株式会社 --page 2".
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, errUsage
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func usageError(stderr io.Writer, format string, a ...any) error {
	fmt.Fprintf(stderr, "エラー: "+format+"\n", a...)
	return errUsage
}

func runInit(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("init", stderr)
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pos) > 0 {
		return usageError(stderr, "init は引数を取りません")
	}

	fmt.Fprintln(stderr, "インボイスデータを初期化します...")
	res, err := a.reconciler.Init(ctx)
	if err != nil {
		return fmt.Errorf("初期化失敗: %w", err)
	}
	fmt.Fprintf(stdout, "✓ 初期化完了: %d件 (データ基準日 %s)\n",
		res.Metadata.RecordCount, dateOrDash(res.Metadata.DataAsOfDate))
	return nil
}

func runUpdate(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("update", stderr)
	forceFull := fs.Bool("force-full", false, "全件データで再構築する")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pos) > 0 {
		return usageError(stderr, "update は引数を取りません")
	}

	res, err := a.reconciler.Update(ctx, reconcile.Options{ForceFull: *forceFull})
	if err != nil {
		return fmt.Errorf("更新失敗 (%s: %s): %w", res.Mode, res.Reason, err)
	}
	if !res.Committed {
		fmt.Fprintf(stdout, "✓ 最新です (%s)\n", res.Reason)
		return nil
	}
	if res.Mode == reconcile.ModeFull {
		fmt.Fprintf(stdout, "✓ 全件更新完了 (%s): %d件\n", res.Reason, res.Metadata.RecordCount)
		return nil
	}
	fmt.Fprintf(stdout, "✓ 差分更新完了: %d日分 %d件を適用 (未公開 %d日), 登録件数 %d件\n",
		res.DaysApplied, res.RecordsApplied, res.DaysMissing, res.Metadata.RecordCount)
	return nil
}

func runSearch(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("search", stderr)
	page := fs.Int("page", 1, "ページ番号")
	limit := fs.Int("limit", 20, "表示件数")
	pref := fs.String("pref", "", "都道府県 (コードまたは名称)")
	all := fs.Bool("all", false, "失効・取消・旧履歴も含める")
	formatName := fs.String("format", "table", "table|csv|json|xlsx")
	out := fs.String("out", "", "出力先ファイル")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}

	q := strings.Join(pos, " ")
	if strings.TrimSpace(q) == "" && *pref == "" {
		fmt.Fprintln(stderr, "エラー: 検索キーワードを指定してください")
		fmt.Fprintf(stderr, "例: %s search 株式会社\n", appName)
		return errUsage
	}
	format, err := render.ParseFormat(*formatName)
	if err != nil {
		return usageError(stderr, "%v", err)
	}

	res, err := a.engine.Search(ctx, query.SearchRequest{
		Query:           q,
		Prefecture:      *pref,
		Page:            *page,
		PageSize:        *limit,
		IncludeInactive: *all,
	})
	if err != nil {
		return err
	}

	if format == render.FormatTable && res.TotalCount == 0 {
		fmt.Fprintf(stderr, "'%s' に一致する事業者が見つかりませんでした\n", q)
		return nil
	}

	title := fmt.Sprintf("検索結果: '%s' (%d件 / 全%d件) - ページ %d/%d",
		q, len(res.Records), res.TotalCount, res.Page, res.TotalPages)
	if err := withOutput(*out, stdout, func(w io.Writer) error {
		return render.New(w, format).Page(res, title)
	}); err != nil {
		return err
	}

	if format == render.FormatTable && res.Page < res.TotalPages {
		fmt.Fprintf(stderr, "次のページ: %s search '%s' --page %d\n", appName, q, res.Page+1)
	}
	return nil
}

func runLookup(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("lookup", stderr)
	formatName := fs.String("format", "table", "table|csv|json|xlsx")
	out := fs.String("out", "", "出力先ファイル")
	id, format, err := numberArg(fs, args, formatName, stderr)
	if err != nil {
		return err
	}

	rec, err := a.engine.Lookup(ctx, id)
	if err != nil {
		return err
	}
	return withOutput(*out, stdout, func(w io.Writer) error {
		return render.New(w, format).Record(rec, "登録事業者情報: "+id)
	})
}

func runHistory(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("history", stderr)
	formatName := fs.String("format", "table", "table|csv|json|xlsx")
	out := fs.String("out", "", "出力先ファイル")
	id, format, err := numberArg(fs, args, formatName, stderr)
	if err != nil {
		return err
	}

	recs, err := a.engine.History(ctx, id)
	if err != nil {
		return err
	}
	return withOutput(*out, stdout, func(w io.Writer) error {
		return render.New(w, format).Records(recs, fmt.Sprintf("登録履歴: %s (%d件)", id, len(recs)))
	})
}

// numberArg parses the single registration number argument of lookup and
// history. Thirteen bare digits get the "T" prefix.
func numberArg(fs *flag.FlagSet, args []string, formatName *string, stderr io.Writer) (string, render.Format, error) {
	pos, err := parseArgs(fs, args)
	if err != nil {
		return "", "", err
	}
	if len(pos) != 1 {
		fmt.Fprintln(stderr, "エラー: 登録番号を指定してください")
		fmt.Fprintf(stderr, "例: %s lookup T1234567890123\n", appName)
		return "", "", errUsage
	}
	format, err := render.ParseFormat(*formatName)
	if err != nil {
		return "", "", usageError(stderr, "%v", err)
	}
	return invoice.CanonicalRegistrationNumber(pos[0]), format, nil
}

// statusReport is the machine-readable form of the status command.
type statusReport struct {
	DataDir             string               `json:"dataDir"`
	Metadata            invoice.SyncMetadata `json:"metadata"`
	PendingBusinessDays int                  `json:"pendingBusinessDays"`
	NextSync            string               `json:"nextSync"`
	SyncInProgress      bool                 `json:"syncInProgress"`
	SyncPID             int                  `json:"syncPid,omitempty"`
	Runs                []storage.Run        `json:"runs"`
}

func runStatus(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("status", stderr)
	formatName := fs.String("format", "table", "table|json")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pos) > 0 {
		return usageError(stderr, "status は引数を取りません")
	}
	format, err := render.ParseFormat(*formatName)
	if err != nil {
		return usageError(stderr, "%v", err)
	}

	meta, err := a.store.Metadata(ctx)
	if err != nil {
		return err
	}
	runs, err := a.store.Runs(ctx, 5)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	pid, held := a.lock.Holder()

	rep := statusReport{
		DataDir:        a.cfg.DataDir,
		Metadata:       meta,
		SyncInProgress: held,
		SyncPID:        pid,
		Runs:           runs,
	}
	rep.PendingBusinessDays, rep.NextSync = nextSync(meta, invoice.DateOf(time.Now()))

	r := render.New(stdout, format)
	if format == render.FormatJSON {
		return r.JSON(rep)
	}

	kv := [][2]string{
		{"データディレクトリ", rep.DataDir},
		{"登録件数", strconv.FormatInt(meta.RecordCount, 10)},
		{"データサイズ", fmt.Sprintf("%.1f MB", float64(meta.StorageSizeBytes)/(1<<20))},
		{"全件取得日", dateOrDash(meta.LastFullSyncDate)},
		{"データ基準日", dateOrDash(meta.DataAsOfDate)},
		{"最終差分日", dateOrDash(meta.LastDiffDate)},
		{"最終更新", meta.UpdatedAt.In(invoice.JST).Format("2006-01-02 15:04:05")},
		{"次回更新", rep.NextSync},
	}
	switch {
	case held && pid > 0:
		kv = append(kv, [2]string{"同期中", "pid " + strconv.Itoa(pid)})
	case held:
		kv = append(kv, [2]string{"同期中", "ロック作成中"})
	}
	if len(runs) > 0 {
		last := runs[0]
		summary := fmt.Sprintf("%s %s %s (%d日分, %d件)",
			last.StartedAt.In(invoice.JST).Format("2006-01-02 15:04"), last.Mode, last.Status, last.DaysApplied, last.RecordsApplied)
		if last.Error != "" {
			summary += ": " + last.Error
		}
		kv = append(kv, [2]string{"前回の同期", summary})
	}
	return r.KeyValues(kv, "同期状態")
}

// nextSync describes what update would do today.
func nextSync(meta invoice.SyncMetadata, today invoice.Date) (int, string) {
	base := meta.DiffBase()
	if base.IsZero() {
		return 0, reconcile.ModeFull
	}
	n := reconcile.CountBusinessDays(base, today)
	switch {
	case n > reconcile.RetentionBusinessDays:
		return n, reconcile.ModeFull + " (差分保持期間超過)"
	case n == 0:
		return 0, "不要"
	default:
		return n, fmt.Sprintf("%s (%d営業日分)", reconcile.ModeIncremental, n)
	}
}

// withOutput runs fn against path, or stdout when path is empty.
func withOutput(path string, stdout io.Writer, fn func(io.Writer) error) error {
	if path == "" {
		return fn(stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := fn(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func dateOrDash(d invoice.Date) string {
	if d.IsZero() {
		return "-"
	}
	return d.String()
}
