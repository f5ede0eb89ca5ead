package demo

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	cmdUtil "github.com/jainsau/coals/cmd/util"
	"github.com/jainsau/coals/lib/logging"
	"github.com/jainsau/coals/lib/store/furnace"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// demoConfig holds the parsed configuration for one demo invocation.
// The hidden fields drive the reader child processes the writer spawns.
type demoConfig struct {
	Capacity uint64
	Prefix   string
	LogLevel string
	Readers  int

	// hidden reader mode
	reader    bool
	objectIDs []string
}

var (
	demoCmdConfig = &demoConfig{}
	DemoCmd       = &cobra.Command{
		Use:   "demo",
		Short: "Run a multi-process demonstration of the store",
		Long: `Run a multi-process demonstration of the store. The writer process
stores two objects (one sealed immediately, one sealed after a delay)
and spawns reader processes that attach to the same store by prefix,
block until the objects are sealed, and map them without copying. The
configuration can be set via command line flags or environment
variables. The format of the environment variables is COALS_<flag>
(e.g. COALS_CAPACITY=1048576)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "capacity"
	DemoCmd.PersistentFlags().Uint64(key, 1<<20, cmdUtil.WrapString("Store capacity in bytes. Only the process that creates the store fixes this value, attaching processes adopt it"))

	key = "store-prefix"
	DemoCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Name prefix for the store's shared resources. All processes of one demo run must use the same prefix. Defaults to a per-run unique name"))

	key = "readers"
	DemoCmd.PersistentFlags().Int(key, 3, cmdUtil.WrapString("Number of reader processes to spawn"))

	key = "log-level"
	DemoCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	// internal flags for the spawned reader processes
	key = "reader"
	DemoCmd.PersistentFlags().Bool(key, false, "")
	_ = DemoCmd.PersistentFlags().MarkHidden(key)

	key = "object-ids"
	DemoCmd.PersistentFlags().String(key, "", "")
	_ = DemoCmd.PersistentFlags().MarkHidden(key)
}

// processConfig reads the configuration from the command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	demoCmdConfig.Capacity = viper.GetUint64("capacity")
	demoCmdConfig.Prefix = viper.GetString("store-prefix")
	demoCmdConfig.Readers = viper.GetInt("readers")
	demoCmdConfig.LogLevel = viper.GetString("log-level")
	demoCmdConfig.reader = viper.GetBool("reader")

	if ids := viper.GetString("object-ids"); ids != "" {
		demoCmdConfig.objectIDs = strings.Split(ids, ",")
	}

	if demoCmdConfig.Prefix == "" {
		if demoCmdConfig.reader {
			return fmt.Errorf("reader mode requires --store-prefix")
		}
		demoCmdConfig.Prefix = fmt.Sprintf("coals_demo_%d", os.Getpid())
	}

	if demoCmdConfig.reader && len(demoCmdConfig.objectIDs) == 0 {
		return fmt.Errorf("reader mode requires --object-ids")
	}

	return nil
}

// String returns a formatted string representation of the configuration
func (c *demoConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Store")
	addField("Prefix", c.Prefix)
	addField("Capacity", fmt.Sprintf("%d bytes", c.Capacity))

	addSection("Demo")
	addField("Reader Processes", strconv.Itoa(c.Readers))

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

func run(_ *cobra.Command, _ []string) error {
	logging.InitLoggers(demoCmdConfig.LogLevel)

	if demoCmdConfig.reader {
		return runReader()
	}
	return runWriter()
}

// runWriter is the demo's parent process: it creates the store, writes
// the objects and spawns the readers.
func runWriter() error {
	fmt.Println("coals multi-process demo")
	fmt.Println(demoCmdConfig.String())

	s, err := furnace.New(furnace.Config{
		Capacity: demoCmdConfig.Capacity,
		Prefix:   demoCmdConfig.Prefix,
	})
	if err != nil {
		return err
	}
	defer s.Shutdown()

	// first object: stored and sealed in one call
	payload, err := json.Marshal(map[string]interface{}{
		"message":    "hello from the writer",
		"writer_pid": os.Getpid(),
		"created_at": time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	fastID, err := s.Put(payload)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	fmt.Printf("writer %d: stored object %s (%d bytes)\n", os.Getpid(), fastID, len(payload))

	// second object: sealed only after the readers are already waiting,
	// demonstrating the blocking get
	slowPayload := []byte("this payload was sealed while the readers were blocked")
	slowID, w, err := s.Create(uint64(len(slowPayload)))
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	fmt.Printf("writer %d: created unsealed object %s (%d bytes)\n", os.Getpid(), slowID, len(slowPayload))

	readers, err := spawnReaders(fastID, slowID)
	if err != nil {
		return err
	}

	// let the readers attach and block on the unsealed object
	time.Sleep(200 * time.Millisecond)
	copy(w.Bytes(), slowPayload)
	if err := w.Close(); err != nil {
		return err
	}
	if err := s.Seal(slowID); err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	fmt.Printf("writer %d: sealed object %s\n", os.Getpid(), slowID)

	for _, r := range readers {
		if err := r.Wait(); err != nil {
			return fmt.Errorf("reader process failed: %w", err)
		}
	}

	// drop the creation references and reclaim
	for _, id := range []string{fastID, slowID} {
		if err := s.Release(id); err != nil {
			return fmt.Errorf("release: %w", err)
		}
	}
	freed, err := s.Evict()
	if err != nil {
		return fmt.Errorf("evict: %w", err)
	}
	fmt.Printf("writer %d: evicted %d bytes\n", os.Getpid(), freed)

	info, err := s.GetStoreInfo()
	if err != nil {
		return err
	}
	infoJSON, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("writer %d: final store state:\n%s\n", os.Getpid(), infoJSON)
	return nil
}

// spawnReaders starts the reader child processes. Each one re-executes
// this binary in the hidden reader mode.
func spawnReaders(ids ...string) ([]*exec.Cmd, error) {
	readers := make([]*exec.Cmd, 0, demoCmdConfig.Readers)
	for i := 0; i < demoCmdConfig.Readers; i++ {
		c := exec.Command(os.Args[0], "demo",
			"--reader",
			"--store-prefix", demoCmdConfig.Prefix,
			"--object-ids", strings.Join(ids, ","),
			"--log-level", demoCmdConfig.LogLevel,
		)
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Start(); err != nil {
			return nil, fmt.Errorf("spawn reader: %w", err)
		}
		readers = append(readers, c)
	}
	return readers, nil
}

// runReader attaches to the writer's store, reads every requested
// object zero-copy and releases its references.
func runReader() error {
	// attaching, the capacity is adopted from the creator
	s, err := furnace.New(furnace.Config{Prefix: demoCmdConfig.Prefix})
	if err != nil {
		return err
	}

	for _, id := range demoCmdConfig.objectIDs {
		r, size, err := s.Get(id, 10*time.Second)
		if err != nil {
			return fmt.Errorf("get %s: %w", id, err)
		}
		fmt.Printf("reader %d: object %s (%d bytes): %s\n", os.Getpid(), id, size, r.Bytes()[:size])
		if err := r.Close(); err != nil {
			return err
		}
		if err := s.Release(id); err != nil {
			return fmt.Errorf("release %s: %w", id, err)
		}
	}
	return nil
}
