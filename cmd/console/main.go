package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/khipuvault/khipu-client-go/chain"
	"github.com/khipuvault/khipu-client-go/cmd/console/config"
	"github.com/khipuvault/khipu-client-go/pkg/chains"
	"github.com/khipuvault/khipu-client-go/protocols/aggregator"
	"github.com/khipuvault/khipu-client-go/protocols/cooperative"
	"github.com/khipuvault/khipu-client-go/protocols/erc20"
	"github.com/khipuvault/khipu-client-go/protocols/individual"
	"github.com/khipuvault/khipu-client-go/protocols/lottery"
	"github.com/khipuvault/khipu-client-go/protocols/registry"
	"github.com/khipuvault/khipu-client-go/protocols/rosca"
	"github.com/khipuvault/khipu-client-go/querycache"
	"github.com/khipuvault/khipu-client-go/streams/backfill"
	"github.com/khipuvault/khipu-client-go/streams/events"
	"github.com/khipuvault/khipu-client-go/txflow"
	"github.com/khipuvault/khipu-client-go/wallet"
)

// --- VISUAL CONSTANTS ---
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Cyan   = "\033[36m"
	Gray   = "\033[37m"
)

// header prints a styled section header
func header(title string) {
	fmt.Println("\n" + Bold + Cyan + ":: " + title + " ::" + Reset)
}

// App bundles everything the console commands operate on.
type App struct {
	cfg     *config.ConsoleConfig
	logger  *slog.Logger
	backend *chain.EthBackend
	session *wallet.Session
	signer  *chain.KeySigner // nil in read-only mode
	cache   *querycache.Cache
	reg     *registry.Registry

	token       *erc20.Token
	tokenSymbol string
	decimals    uint8

	aggregator  *aggregator.Client
	individual  *individual.Client
	cooperative *cooperative.Client
	rosca       *rosca.Client
	lottery     *lottery.Client

	watcher  *events.Watcher
	scanners map[registry.Kind]*backfill.Scanner
}

func main() {
	// --- 1. SETUP LOGGING (To File) ---
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	flag.Parse()

	log.Printf("Loading configuration from: %s", *configPath)
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Println(Red + "Failed to load configuration: " + err.Error() + Reset)
		os.Exit(1)
	}

	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		panic(fmt.Sprintf("Failed to open log file: %v", err))
	}
	defer logFile.Close()

	rootLogger := slog.New(slog.NewJSONHandler(logFile, nil))

	closeApp := func() {
		fmt.Println("\n" + Red + "Fatal error occurred. Check " + cfg.LogFile + " for details." + Reset)
		os.Exit(1)
	}

	// --- 2. CONTEXT & SIGNER ---
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var signer *chain.KeySigner
	if cfg.PrivateKeyEnv != "" {
		if hexKey := os.Getenv(cfg.PrivateKeyEnv); hexKey != "" {
			signer, err = chain.NewKeySigner(hexKey)
			if err != nil {
				rootLogger.Error("Failed to parse private key", "env", cfg.PrivateKeyEnv, "error", err)
				closeApp()
			}
		}
	}

	// --- 3. CONNECT TO CHAIN ---
	ethCfg := chain.EthConfig{
		URL:            cfg.RPCURL,
		ReceiptTimeout: cfg.Mutation.ReceiptTimeout.Std(),
	}
	if signer != nil {
		ethCfg.Signer = signer
	}
	backend, err := chain.DialEth(ctx, ethCfg)
	if err != nil {
		rootLogger.Error("Failed to connect to RPC", "url", cfg.RPCURL, "error", err)
		closeApp()
	}
	defer backend.Close()

	app, err := buildApp(ctx, cfg, rootLogger, backend, signer)
	if err != nil {
		rootLogger.Error("Failed to initialize client", "error", err)
		closeApp()
	}

	// --- 4. START WATCHER & BACKFILL ---
	go func() {
		if err := app.watcher.Run(ctx); err != nil {
			rootLogger.Error("Event watcher stopped", "error", err)
		}
	}()
	for kind, scanner := range app.scanners {
		go func(kind registry.Kind, s *backfill.Scanner) {
			if err := s.Scan(ctx); err != nil {
				rootLogger.Error("Initial backfill failed", "product", string(kind), "error", err)
			}
		}(kind, scanner)
	}

	// --- 5. RUN CONSOLE ---
	fmt.Println(Green + "Starting KhipuVault console on " + chains.Name(cfg.ChainID) + "..." + Reset)
	fmt.Println("Logs are being written to '" + cfg.LogFile + "'")
	app.runConsole(ctx)

	fmt.Println("\n" + Yellow + "Shutting down..." + Reset)
}

func buildApp(ctx context.Context, cfg *config.ConsoleConfig, logger *slog.Logger, backend *chain.EthBackend, signer *chain.KeySigner) (*App, error) {
	registerer := prometheus.DefaultRegisterer

	products := []registry.Product{
		{Kind: registry.KindToken, Name: "Deposit Token", Address: common.HexToAddress(cfg.Token.Address), DeployBlock: cfg.Token.DeployBlock},
		{Kind: registry.KindIndividual, Name: "Individual Pool", Address: common.HexToAddress(cfg.Individual.Address), DeployBlock: cfg.Individual.DeployBlock},
		{Kind: registry.KindCooperative, Name: "Cooperative Pools", Address: common.HexToAddress(cfg.Cooperative.Address), DeployBlock: cfg.Cooperative.DeployBlock},
		{Kind: registry.KindROSCA, Name: "ROSCA", Address: common.HexToAddress(cfg.ROSCA.Address), DeployBlock: cfg.ROSCA.DeployBlock},
		{Kind: registry.KindLottery, Name: "Prize Pool", Address: common.HexToAddress(cfg.Lottery.Address), DeployBlock: cfg.Lottery.DeployBlock},
		{Kind: registry.KindAggregator, Name: "Yield Aggregator", Address: common.HexToAddress(cfg.Aggregator.Address), DeployBlock: cfg.Aggregator.DeployBlock},
	}
	reg, err := registry.New(products)
	if err != nil {
		return nil, err
	}

	app := &App{
		cfg:      cfg,
		logger:   logger,
		backend:  backend,
		signer:   signer,
		session:  wallet.NewSession(cfg.ChainID, nil),
		cache:    querycache.New(cfg.CacheStaleAfter.Std(), logger.With("component", "querycache")),
		reg:      reg,
		scanners: make(map[registry.Kind]*backfill.Scanner),
	}

	app.token = erc20.NewToken(backend, common.HexToAddress(cfg.Token.Address))
	app.aggregator = aggregator.New(backend, common.HexToAddress(cfg.Aggregator.Address))

	// Token metadata is static; fetch it once so every amount prompt and
	// table can render in whole-token units.
	app.decimals, err = app.token.Decimals(ctx)
	if err != nil {
		return nil, fmt.Errorf("read token decimals: %w", err)
	}
	app.tokenSymbol, err = app.token.Symbol(ctx)
	if err != nil {
		return nil, fmt.Errorf("read token symbol: %w", err)
	}

	txMetrics := txflow.NewMetrics(registerer)
	settle := cfg.Mutation.SettleDelay.Std()

	app.individual, err = individual.New(individual.Config{
		Backend:     backend,
		Session:     app.session,
		Contract:    common.HexToAddress(cfg.Individual.Address),
		Token:       app.token,
		Aggregator:  app.aggregator,
		Cache:       app.cache,
		SettleDelay: settle,
		Product:     "individual",
		Logger:      logger.With("component", "individual"),
		Metrics:     txMetrics,
	})
	if err != nil {
		return nil, err
	}

	app.cooperative, err = cooperative.New(cooperative.Config{
		Backend:     backend,
		Session:     app.session,
		Contract:    common.HexToAddress(cfg.Cooperative.Address),
		Token:       app.token,
		Cache:       app.cache,
		SettleDelay: settle,
		Product:     "cooperative",
		Logger:      logger.With("component", "cooperative"),
		Metrics:     txMetrics,
	})
	if err != nil {
		return nil, err
	}

	app.rosca, err = rosca.New(rosca.Config{
		Backend:     backend,
		Session:     app.session,
		Contract:    common.HexToAddress(cfg.ROSCA.Address),
		Token:       app.token,
		Cache:       app.cache,
		SettleDelay: settle,
		Product:     "rosca",
		Logger:      logger.With("component", "rosca"),
		Metrics:     txMetrics,
	})
	if err != nil {
		return nil, err
	}

	app.lottery, err = lottery.New(lottery.Config{
		Backend:     backend,
		Session:     app.session,
		Contract:    common.HexToAddress(cfg.Lottery.Address),
		Token:       app.token,
		Cache:       app.cache,
		SettleDelay: settle,
		Product:     "lottery",
		Logger:      logger.With("component", "lottery"),
		Metrics:     txMetrics,
	})
	if err != nil {
		return nil, err
	}

	var rules []events.Rule
	rules = append(rules, app.individual.Rules()...)
	rules = append(rules, app.cooperative.Rules()...)
	rules = append(rules, app.rosca.Rules()...)
	rules = append(rules, app.lottery.Rules()...)

	app.watcher, err = events.New(events.Config{
		Backend: backend,
		Cache:   app.cache,
		Rules:   rules,
		Logger:  logger.With("component", "events"),
		Metrics: events.NewMetrics(registerer),
	})
	if err != nil {
		return nil, err
	}

	store, err := backfill.NewFileStore(cfg.Scan.MarkerFile)
	if err != nil {
		return nil, err
	}
	scanMetrics := backfill.NewMetrics(registerer)
	for _, kind := range []registry.Kind{
		registry.KindIndividual,
		registry.KindCooperative,
		registry.KindROSCA,
		registry.KindLottery,
	} {
		product, _ := reg.ByKind(kind)
		scanner, err := backfill.New(backfill.Config{
			Backend:           backend,
			Store:             store,
			Contract:          product.Address,
			DeployBlock:       product.DeployBlock,
			ChunkSize:         cfg.Scan.ChunkSize,
			MaxRetries:        cfg.Scan.MaxRetries,
			RetryBaseDelay:    cfg.Scan.RetryBaseDelay.Std(),
			RetryMaxDelay:     cfg.Scan.RetryMaxDelay.Std(),
			StaleAfter:        cfg.Scan.StaleAfter.Std(),
			RequestsPerSecond: cfg.Scan.RequestsPerSecond,
			OnLogs:            app.watcher.Router().Apply,
			Logger:            logger.With("component", "backfill", "product", string(kind)),
			Metrics:           scanMetrics,
		})
		if err != nil {
			return nil, err
		}
		app.scanners[kind] = scanner
	}

	return app, nil
}

// runConsole handles user input and display.
func (a *App) runConsole(ctx context.Context) {
	reader := bufio.NewReader(os.Stdin)
	time.Sleep(500 * time.Millisecond)

	for {
		if ctx.Err() != nil {
			return
		}

		a.printMenu()

		fmt.Print(Bold + "Enter selection: " + Reset)
		input, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println("Error reading input:", err)
			return
		}
		input = strings.TrimSpace(input)

		if input == "q" {
			return
		}
		a.handleCommand(ctx, input, reader)

		fmt.Println("\n" + Gray + "[Press Enter to continue]" + Reset)
		reader.ReadString('\n')
	}
}

func (a *App) printMenu() {
	fmt.Print("\033[H\033[2J") // Clear screen
	fmt.Println(Bold + "KHIPUVAULT" + Reset + Gray + " | " + chains.Name(a.cfg.ChainID) + Reset)

	status := Red + "disconnected" + Reset
	if addr, err := a.session.Address(); err == nil {
		status = Green + addr.Hex() + Reset
	}
	fmt.Println(Gray + "Wallet: " + Reset + status)

	fmt.Println(Gray + "-----------------------------------" + Reset)
	fmt.Printf(" %s1.%s Wallet %s(Connect/Disconnect)%s\n", Cyan, Reset, Gray, Reset)
	fmt.Printf(" %s2.%s Individual Pool\n", Cyan, Reset)
	fmt.Printf(" %s3.%s Cooperative Pools\n", Cyan, Reset)
	fmt.Printf(" %s4.%s ROSCA\n", Cyan, Reset)
	fmt.Printf(" %s5.%s Prize Pool %s(No-Loss Lottery)%s\n", Cyan, Reset, Gray, Reset)
	fmt.Printf(" %s6.%s Aggregator Health\n", Cyan, Reset)
	fmt.Printf(" %s7.%s Backfill Status / Rescan\n", Cyan, Reset)
	fmt.Println(Gray + "-----------------------------------" + Reset)
	fmt.Printf(" %sh.%s Help\n", Yellow, Reset)
	fmt.Printf(" %sq.%s Quit\n", Red, Reset)
	fmt.Println("")
}

func (a *App) handleCommand(ctx context.Context, input string, reader *bufio.Reader) {
	switch input {
	case "1":
		a.walletMenu(ctx, reader)
	case "2":
		a.individualMenu(ctx, reader)
	case "3":
		a.cooperativeMenu(ctx, reader)
	case "4":
		a.roscaMenu(ctx, reader)
	case "5":
		a.lotteryMenu(ctx, reader)
	case "6":
		a.printAggregatorHealth(ctx)
	case "7":
		a.backfillMenu(ctx, reader)
	case "h":
		a.printHelp()
	default:
		fmt.Println(Red + "Unknown command." + Reset)
	}
}

// --- COMMAND HANDLERS ---

func (a *App) printHelp() {
	fmt.Print("\033[H\033[2J")

	header("KHIPUVAULT CONSOLE")
	fmt.Println(Bold + "Concept: Community Savings on Mezo" + Reset)
	fmt.Println("KhipuVault pools Bitcoin-backed deposits into yield strategies with four products:")
	fmt.Println("")
	fmt.Printf("   A. %sIndividual Pool%s\n", Cyan, Reset)
	fmt.Println("      - Your own position: deposit, withdraw, claim accrued yield.")
	fmt.Println("")
	fmt.Printf("   B. %sCooperative Pools%s\n", Cyan, Reset)
	fmt.Println("      - Named group pools with a member cap and contribution bounds.")
	fmt.Println("      - Yield is distributed to members proportionally to their shares.")
	fmt.Println("")
	fmt.Printf("   C. %sROSCA%s\n", Cyan, Reset)
	fmt.Println("      - A rotating savings circle: everyone contributes each round,")
	fmt.Println("        one participant takes the pot.")
	fmt.Println("")
	fmt.Printf("   D. %sPrize Pool%s\n", Cyan, Reset)
	fmt.Println("      - No-loss lottery: deposits buy tickets, yield funds the prize,")
	fmt.Println("        principal is always withdrawable.")
	fmt.Println("")
	fmt.Println(Bold + "HOW READS WORK" + Reset)
	fmt.Println("Every view is served from a query cache keyed by namespace. Contract events")
	fmt.Println("invalidate exactly the namespaces they affect, and a historical backfill")
	fmt.Println("replays events missed while the console was offline (menu 7).")
	fmt.Println("")
	fmt.Println(Bold + "HOW WRITES WORK" + Reset)
	fmt.Println("Each write walks a state machine: idle -> executing -> processing -> done.")
	fmt.Println("Token spends run an approval first when the allowance is short.")
	fmt.Println("The live status line during a write is that machine's current message.")
}

func (a *App) walletMenu(ctx context.Context, reader *bufio.Reader) {
	header("WALLET")
	if addr, err := a.session.Address(); err == nil {
		fmt.Printf("Connected as %s%s%s\n", Green, addr.Hex(), Reset)
		fmt.Print(Bold + "Disconnect? [y/N]: " + Reset)
		if strings.EqualFold(readLine(reader), "y") {
			a.session.Disconnect()
			fmt.Println(Yellow + "Disconnected." + Reset)
		}
		return
	}

	if a.signer == nil {
		fmt.Printf(Red+"No key available. Set %s and restart.%s\n", a.cfg.PrivateKeyEnv, Reset)
		return
	}

	a.session.Connect(a.signer)
	if err := a.session.RequireChain(ctx, a.backend); err != nil {
		a.session.Disconnect()
		fmt.Println(Red + txflow.UserMessage(err) + Reset)
		return
	}
	addr, _ := a.session.Address()
	a.individual.Track(addr)
	fmt.Printf("%sConnected as %s%s\n", Green, addr.Hex(), Reset)
}

func (a *App) individualMenu(ctx context.Context, reader *bufio.Reader) {
	header("INDIVIDUAL POOL")

	totals, err := a.individual.TotalDeposits(ctx)
	if err != nil {
		fmt.Println(Red + "[ERROR] " + err.Error() + Reset)
		return
	}
	bounds, err := a.individual.DepositBounds(ctx)
	if err != nil {
		fmt.Println(Red + "[ERROR] " + err.Error() + Reset)
		return
	}

	fmt.Printf("Total deposits:  %s %s\n", a.fmtAmount(totals), a.tokenSymbol)
	fmt.Printf("Minimum deposit: %s %s\n", a.fmtAmount(bounds.Min), a.tokenSymbol)
	if bounds.Max != nil && bounds.Max.Sign() > 0 {
		fmt.Printf("Maximum deposit: %s %s\n", a.fmtAmount(bounds.Max), a.tokenSymbol)
	}

	if addr, err := a.session.Address(); err == nil {
		pos, err := a.individual.Position(ctx, addr)
		if err != nil {
			fmt.Println(Red + "[ERROR] " + err.Error() + Reset)
			return
		}
		yield, err := a.individual.PendingYield(ctx, addr)
		if err != nil {
			fmt.Println(Red + "[ERROR] " + err.Error() + Reset)
			return
		}
		fmt.Println(Gray + "-----------------------------------" + Reset)
		fmt.Printf("Your deposit:    %s %s\n", a.fmtAmount(pos.Amount), a.tokenSymbol)
		fmt.Printf("Pending yield:   %s%s %s%s\n", Green, a.fmtAmount(yield), a.tokenSymbol, Reset)
	}

	fmt.Println("")
	fmt.Printf(" %sd.%s Deposit   %sw.%s Withdraw   %sc.%s Claim Yield   %sEnter.%s Back\n", Cyan, Reset, Cyan, Reset, Cyan, Reset, Gray, Reset)
	fmt.Print(Bold + "Action: " + Reset)

	switch readLine(reader) {
	case "d":
		fmt.Print(Bold + "Amount (" + a.tokenSymbol + "): " + Reset)
		amount := readLine(reader)
		a.runMutation(ctx, "Deposit", a.individual.Snapshot, func(ctx context.Context) error {
			return a.individual.Deposit(ctx, amount)
		})
	case "w":
		a.runMutation(ctx, "Withdraw", a.individual.Snapshot, a.individual.Withdraw)
	case "c":
		a.runMutation(ctx, "Claim Yield", a.individual.Snapshot, a.individual.ClaimYield)
	}
}

func (a *App) cooperativeMenu(ctx context.Context, reader *bufio.Reader) {
	header("COOPERATIVE POOLS")

	pools, err := a.cooperative.Pools(ctx)
	if err != nil {
		fmt.Println(Red + "[ERROR] " + err.Error() + Reset)
		return
	}

	all := pools.All()
	if len(all) == 0 {
		fmt.Println(Yellow + "[INFO] No pools created yet." + Reset)
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 4, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tMEMBERS\tSTATUS\tPRINCIPAL\tYIELD\t")
		fmt.Fprintln(w, "--\t----\t-------\t------\t---------\t-----\t")
		for _, p := range all {
			capLabel := "∞"
			if p.MemberCap > 0 {
				capLabel = strconv.FormatUint(p.MemberCap, 10)
			}
			fmt.Fprintf(w, "%d\t%s\t%d/%s\t%s\t%s\t%s\t\n",
				p.ID, p.Name, p.MemberCount, capLabel, p.Status,
				a.fmtAmount(p.TotalPrincipal), a.fmtAmount(p.TotalYield))
		}
		w.Flush()
	}

	fmt.Println("")
	fmt.Printf(" %sj.%s Join   %sn.%s New Pool   %sl.%s Leave   %sc.%s Claim Yield   %sm.%s My Stake   %sEnter.%s Back\n",
		Cyan, Reset, Cyan, Reset, Cyan, Reset, Cyan, Reset, Cyan, Reset, Gray, Reset)
	fmt.Print(Bold + "Action: " + Reset)

	switch readLine(reader) {
	case "j":
		poolID, ok := readPoolID(reader)
		if !ok {
			return
		}
		fmt.Print(Bold + "Contribution (" + a.tokenSymbol + "): " + Reset)
		amount := readLine(reader)
		a.runMutation(ctx, "Join Pool", a.cooperative.Snapshot, func(ctx context.Context) error {
			return a.cooperative.Join(ctx, poolID, amount)
		})
	case "n":
		a.createPool(ctx, reader)
	case "l":
		poolID, ok := readPoolID(reader)
		if !ok {
			return
		}
		a.runMutation(ctx, "Leave Pool", a.cooperative.Snapshot, func(ctx context.Context) error {
			return a.cooperative.Leave(ctx, poolID)
		})
	case "c":
		poolID, ok := readPoolID(reader)
		if !ok {
			return
		}
		a.runMutation(ctx, "Claim Yield", a.cooperative.Snapshot, func(ctx context.Context) error {
			return a.cooperative.ClaimYield(ctx, poolID)
		})
	case "m":
		a.printMemberStake(ctx, reader)
	}
}

func (a *App) createPool(ctx context.Context, reader *bufio.Reader) {
	fmt.Print(Bold + "Pool name: " + Reset)
	name := readLine(reader)
	fmt.Print(Bold + "Minimum contribution (" + a.tokenSymbol + "): " + Reset)
	minStr := readLine(reader)
	fmt.Print(Bold + "Maximum contribution (" + a.tokenSymbol + ", empty for none): " + Reset)
	maxStr := readLine(reader)
	fmt.Print(Bold + "Member cap (empty for none): " + Reset)
	capStr := readLine(reader)

	minC, err := erc20.ParseAmount(minStr, a.decimals)
	if err != nil {
		fmt.Println(Red + "[ERROR] " + err.Error() + Reset)
		return
	}
	maxC := new(big.Int)
	if maxStr != "" {
		maxC, err = erc20.ParseAmount(maxStr, a.decimals)
		if err != nil {
			fmt.Println(Red + "[ERROR] " + err.Error() + Reset)
			return
		}
	}
	var memberCap uint64
	if capStr != "" {
		memberCap, err = strconv.ParseUint(capStr, 10, 64)
		if err != nil {
			fmt.Println(Red + "[ERROR] Invalid member cap." + Reset)
			return
		}
	}

	a.runMutation(ctx, "Create Pool", a.cooperative.Snapshot, func(ctx context.Context) error {
		return a.cooperative.CreatePool(ctx, name, minC, maxC, memberCap)
	})
}

func (a *App) printMemberStake(ctx context.Context, reader *bufio.Reader) {
	addr, err := a.session.Address()
	if err != nil {
		fmt.Println(Yellow + "[INFO] Connect a wallet first." + Reset)
		return
	}
	poolID, ok := readPoolID(reader)
	if !ok {
		return
	}
	member, err := a.cooperative.Member(ctx, poolID, addr)
	if err != nil {
		fmt.Println(Red + "[ERROR] " + err.Error() + Reset)
		return
	}
	if !member.Active {
		fmt.Println(Yellow + "[INFO] You are not an active member of this pool." + Reset)
		return
	}
	fmt.Printf("Contribution:  %s %s\n", a.fmtAmount(member.Contribution), a.tokenSymbol)
	fmt.Printf("Shares:        %s\n", member.Shares)
	fmt.Printf("Yield claimed: %s %s\n", a.fmtAmount(member.YieldClaimed), a.tokenSymbol)
	fmt.Printf("Joined:        %s\n", member.JoinedAt.Format("2006-01-02 15:04"))
}

func (a *App) roscaMenu(ctx context.Context, reader *bufio.Reader) {
	header("ROSCA")

	group, err := a.rosca.Group(ctx)
	if err != nil {
		fmt.Println(Red + "[ERROR] " + err.Error() + Reset)
		return
	}

	capLabel := "∞"
	if group.ParticipantCap > 0 {
		capLabel = strconv.FormatUint(group.ParticipantCap, 10)
	}
	fmt.Printf("Status:        %s%s%s\n", Bold, group.Status, Reset)
	fmt.Printf("Participants:  %d/%s\n", group.ParticipantCount, capLabel)
	fmt.Printf("Contribution:  %s %s per round\n", a.fmtAmount(group.Contribution), a.tokenSymbol)
	fmt.Printf("Pot:           %s%s %s%s\n", Green, a.fmtAmount(group.Pot), a.tokenSymbol, Reset)

	if group.Status == rosca.StatusActive {
		round, err := a.rosca.CurrentRound(ctx)
		if err != nil {
			fmt.Println(Red + "[ERROR] " + err.Error() + Reset)
			return
		}
		fmt.Println(Gray + "-----------------------------------" + Reset)
		fmt.Printf("Round:         #%d\n", round.Index)
		fmt.Printf("Recipient:     %s\n", round.Recipient.Hex())
		fmt.Printf("Deadline:      %s\n", round.Deadline.Format("2006-01-02 15:04"))
	}

	fmt.Println("")
	fmt.Printf(" %sj.%s Join   %sc.%s Contribute   %sp.%s Claim Pot   %sEnter.%s Back\n", Cyan, Reset, Cyan, Reset, Cyan, Reset, Gray, Reset)
	fmt.Print(Bold + "Action: " + Reset)

	switch readLine(reader) {
	case "j":
		a.runMutation(ctx, "Join ROSCA", a.rosca.Snapshot, a.rosca.Join)
	case "c":
		a.runMutation(ctx, "Contribute", a.rosca.Snapshot, a.rosca.Contribute)
	case "p":
		a.runMutation(ctx, "Claim Pot", a.rosca.Snapshot, a.rosca.ClaimPot)
	}
}

func (a *App) lotteryMenu(ctx context.Context, reader *bufio.Reader) {
	header("PRIZE POOL")

	draw, err := a.lottery.Draw(ctx)
	if err != nil {
		fmt.Println(Red + "[ERROR] " + err.Error() + Reset)
		return
	}
	minEntry, err := a.lottery.MinEntry(ctx)
	if err != nil {
		fmt.Println(Red + "[ERROR] " + err.Error() + Reset)
		return
	}

	fmt.Printf("Current prize: %s%s %s%s\n", Green, a.fmtAmount(draw.Prize), a.tokenSymbol, Reset)
	fmt.Printf("Participants:  %d\n", draw.ParticipantCount)
	fmt.Printf("Draw time:     %s\n", draw.DrawTime.Format("2006-01-02 15:04"))
	fmt.Printf("Minimum entry: %s %s\n", a.fmtAmount(minEntry), a.tokenSymbol)

	if addr, err := a.session.Address(); err == nil {
		tickets, err := a.lottery.Tickets(ctx, addr)
		if err != nil {
			fmt.Println(Red + "[ERROR] " + err.Error() + Reset)
			return
		}
		fmt.Println(Gray + "-----------------------------------" + Reset)
		fmt.Printf("Your tickets:  %s\n", tickets.Tickets)
		fmt.Printf("Your deposit:  %s %s\n", a.fmtAmount(tickets.Deposited), a.tokenSymbol)
	}

	fmt.Println("")
	fmt.Printf(" %se.%s Enter   %sw.%s Withdraw   %sc.%s Claim Prize   %sEnter.%s Back\n", Cyan, Reset, Cyan, Reset, Cyan, Reset, Gray, Reset)
	fmt.Print(Bold + "Action: " + Reset)

	switch readLine(reader) {
	case "e":
		fmt.Print(Bold + "Amount (" + a.tokenSymbol + "): " + Reset)
		amount := readLine(reader)
		a.runMutation(ctx, "Enter Draw", a.lottery.Snapshot, func(ctx context.Context) error {
			return a.lottery.Enter(ctx, amount)
		})
	case "w":
		a.runMutation(ctx, "Withdraw", a.lottery.Snapshot, a.lottery.Withdraw)
	case "c":
		a.runMutation(ctx, "Claim Prize", a.lottery.Snapshot, a.lottery.ClaimPrize)
	}
}

func (a *App) printAggregatorHealth(ctx context.Context) {
	header("AGGREGATOR HEALTH")

	health, err := a.aggregator.Health(ctx)
	if err != nil {
		fmt.Println(Red + "[ERROR] " + err.Error() + Reset)
		return
	}

	okOr := func(bad bool, label string) string {
		if bad {
			return Red + label + Reset
		}
		return Green + "OK" + Reset
	}
	fmt.Printf("Contract:        %s\n", a.aggregator.Address().Hex())
	fmt.Printf("Global pause:    %s\n", okOr(health.Paused, "PAUSED"))
	fmt.Printf("Deposit pause:   %s\n", okOr(health.DepositsPaused, "PAUSED"))
	fmt.Printf("Active vaults:   %d\n", len(health.Vaults))
	for _, v := range health.Vaults {
		fmt.Printf("  - %s\n", v.Hex())
	}

	if health.CanDeposit() {
		fmt.Println("\n" + Green + Bold + "Deposits are open." + Reset)
		return
	}
	fmt.Println("\n" + Red + Bold + "Deposits are blocked:" + Reset)
	for _, issue := range health.Issues {
		fmt.Println(Red + "  - " + issue + Reset)
	}
}

func (a *App) backfillMenu(ctx context.Context, reader *bufio.Reader) {
	header("HISTORICAL BACKFILL")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 4, ' ', 0)
	fmt.Fprintln(w, "PRODUCT\tSTATUS\tPROGRESS\tLAST BLOCK\t")
	fmt.Fprintln(w, "-------\t------\t--------\t----------\t")
	for _, kind := range []registry.Kind{
		registry.KindIndividual,
		registry.KindCooperative,
		registry.KindROSCA,
		registry.KindLottery,
	} {
		p := a.scanners[kind].Progress()
		status := p.Status
		if p.Err != nil {
			status = Red + status + Reset
		} else if !p.Scanning {
			status = Green + status + Reset
		}
		fmt.Fprintf(w, "%s\t%s\t%.1f%%\t%d\t\n", string(kind), status, p.Percent, p.LastScanned)
	}
	w.Flush()

	fmt.Println("")
	fmt.Print(Bold + "Rescan a product? (individual/cooperative/rosca/lottery, empty to skip): " + Reset)
	input := readLine(reader)
	if input == "" {
		return
	}

	scanner, ok := a.scanners[registry.Kind(input)]
	if !ok {
		fmt.Println(Red + "Unknown product." + Reset)
		return
	}

	go func() {
		if err := scanner.Rescan(ctx); err != nil && !errors.Is(err, backfill.ErrScanInProgress) {
			a.logger.Error("Rescan failed", "product", input, "error", err)
		}
	}()
	fmt.Println(Green + "Rescan started. Check this screen for progress." + Reset)
}

// --- HELPERS ---

// runMutation starts a write and renders the state machine's message live
// until it reaches a terminal state.
func (a *App) runMutation(ctx context.Context, label string, snap func() txflow.Snapshot, start func(context.Context) error) {
	fmt.Println("")
	done := make(chan error, 1)
	go func() { done <- start(ctx) }()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	render := func(s txflow.Snapshot, color string) {
		msg := s.Message
		if msg == "" {
			msg = s.State.String()
		}
		fmt.Printf("\r\033[K%s[%s] %s%s", color, label, msg, Reset)
	}

	for {
		select {
		case err := <-done:
			if err != nil {
				fmt.Printf("\r\033[K%s[%s] %s%s\n", Red, label, txflow.UserMessage(err), Reset)
				a.logger.Error("Mutation failed", "action", label, "error", err)
				return
			}
			s := snap()
			render(s, Green)
			if (s.TxHash != common.Hash{}) {
				fmt.Printf("\n%sTx: %s%s\n", Gray, s.TxHash.Hex(), Reset)
			} else {
				fmt.Println("")
			}
			return
		case <-ticker.C:
			render(snap(), Cyan)
		}
	}
}

func (a *App) fmtAmount(v *big.Int) string {
	return erc20.FormatAmount(v, a.decimals)
}

func readLine(reader *bufio.Reader) string {
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func readPoolID(reader *bufio.Reader) (uint64, bool) {
	fmt.Print(Bold + "Pool ID: " + Reset)
	input := readLine(reader)
	id, err := strconv.ParseUint(input, 10, 64)
	if err != nil {
		fmt.Println(Red + "[ERROR] Invalid pool ID." + Reset)
		return 0, false
	}
	return id, true
}
