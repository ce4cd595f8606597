package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ocpp-core/station/auth"
	"github.com/ocpp-core/station/config"
	"github.com/ocpp-core/station/connectivity"
	"github.com/ocpp-core/station/envelope"
	"github.com/ocpp-core/station/reservation"
	"github.com/ocpp-core/station/state"
	"github.com/ocpp-core/station/station"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	opts, err := buildOptions(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid station options")
	}

	st, err := station.New(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create station")
	}

	ctx := context.Background()
	if err := st.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start station")
	}
	defer st.Stop()

	log.Info().
		Str("station_id", cfg.StationID).
		Str("ocpp_version", cfg.OCPPVersion).
		Int("evses", len(cfg.EVSEs)).
		Msg("station ready; type 'help' for commands")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go interactiveLoop(ctx, st)

	<-sigCh
	log.Info().Msg("shutting down")
}

func buildOptions(cfg *config.Config) (station.Options, error) {
	var profiles []connectivity.Profile
	for _, np := range cfg.NetworkProfiles {
		tlsCfg, err := np.BuildTLSConfig()
		if err != nil {
			return station.Options{}, fmt.Errorf("network profile slot %d: %w", np.Slot, err)
		}
		profiles = append(profiles, connectivity.Profile{
			Slot:            np.Slot,
			Priority:        np.Priority,
			URL:             np.URL + "/" + cfg.StationID,
			SecurityProfile: np.SecurityProfile,
			Iface:           np.Iface,
			BasicAuthUser:   np.BasicAuthUser,
			BasicAuthPass:   np.BasicAuthPass,
			TLSConfig:       tlsCfg,
		})
	}

	var topology []reservation.Connector
	for _, evse := range cfg.EVSEs {
		for _, conn := range evse.Connectors {
			topology = append(topology, reservation.Connector{
				Key:           state.ConnectorKey{EvseID: evse.ID, ConnectorID: conn.ID},
				ConnectorType: conn.Type,
			})
		}
	}

	localList := make(map[string]auth.IdTokenInfo)
	for _, e := range cfg.LocalAuthList {
		info := auth.IdTokenInfo{Status: auth.Status(e.Status)}
		if e.ExpiryDate != "" {
			t, err := time.Parse(time.RFC3339, e.ExpiryDate)
			if err != nil {
				return station.Options{}, fmt.Errorf("local auth entry %s: %w", e.IdToken, err)
			}
			info.Expiry = &t
		}
		if e.ParentToken != "" {
			p := e.ParentToken
			info.ParentIDToken = &p
		}
		localList[e.IdToken] = info
	}

	meters := newMeterBank()
	return station.Options{
		Version: envelope.Version("ocpp" + cfg.OCPPVersion),
		Identity: station.Identity{
			StationID:       cfg.StationID,
			Vendor:          cfg.Vendor,
			Model:           cfg.Model,
			SerialNumber:    cfg.SerialNumber,
			FirmwareVersion: cfg.FirmwareVersion,
		},
		DatabasePath:       cfg.DatabasePath,
		Profiles:           profiles,
		MinSecurityProfile: cfg.MinSecurityProfile,
		Topology:           topology,
		LocalAuthList:      localList,
		Variables:          cfg.Variables,
		Hooks: station.Hooks{
			StartEnergyDelivery: meters.start,
			StopEnergyDelivery:  meters.stop,
			ReadMeterWh:         meters.read,
		},
	}, nil
}

// meterBank is the host's stand-in for real power meters: it integrates
// a fixed charge rate per connector while delivery is on.
type meterBank struct {
	rates map[state.ConnectorKey]time.Time
	total map[state.ConnectorKey]int
}

func newMeterBank() *meterBank {
	return &meterBank{
		rates: make(map[state.ConnectorKey]time.Time),
		total: make(map[state.ConnectorKey]int),
	}
}

const simulatedPowerW = 7360 // 32 A at 230 V

func (m *meterBank) start(key state.ConnectorKey) error {
	m.settle(key)
	m.rates[key] = time.Now()
	return nil
}

func (m *meterBank) stop(key state.ConnectorKey) error {
	m.settle(key)
	delete(m.rates, key)
	return nil
}

func (m *meterBank) read(key state.ConnectorKey) int {
	m.settle(key)
	return m.total[key]
}

func (m *meterBank) settle(key state.ConnectorKey) {
	since, on := m.rates[key]
	if !on {
		return
	}
	elapsed := time.Since(since)
	m.total[key] += int(float64(simulatedPowerW) * elapsed.Hours())
	m.rates[key] = time.Now()
}

func interactiveLoop(ctx context.Context, st *station.Station) {
	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Print("> ")
		input, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		parts := strings.Fields(strings.TrimSpace(input))
		if len(parts) == 0 {
			continue
		}

		switch strings.ToLower(parts[0]) {
		case "help":
			printHelp()
		case "plug":
			key, ok := parseKey(parts)
			if !ok {
				continue
			}
			st.PlugIn(key)
			fmt.Printf("connector %d/%d: %s\n", key.EvseID, key.ConnectorID, st.WireStatus(key))
		case "unplug":
			key, ok := parseKey(parts)
			if !ok {
				continue
			}
			st.PlugOut(key)
			fmt.Printf("connector %d/%d: %s\n", key.EvseID, key.ConnectorID, st.WireStatus(key))
		case "swipe":
			if len(parts) < 4 {
				fmt.Println("usage: swipe <evse> <connector> <idToken>")
				continue
			}
			key, ok := parseKey(parts)
			if !ok {
				continue
			}
			status, err := st.SwipeCard(ctx, key, parts[3])
			if err != nil {
				fmt.Printf("swipe failed: %v\n", err)
				continue
			}
			fmt.Printf("authorization: %s\n", status)
		case "fault":
			key, ok := parseKey(parts)
			if !ok {
				continue
			}
			st.SetFault(key, true)
		case "clearfault":
			key, ok := parseKey(parts)
			if !ok {
				continue
			}
			st.SetFault(key, false)
		case "status":
			key, ok := parseKey(parts)
			if !ok {
				continue
			}
			fmt.Printf("connector %d/%d: %s (connected=%v)\n", key.EvseID, key.ConnectorID, st.WireStatus(key), st.IsConnected())
		case "quit", "exit":
			_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
			return
		default:
			fmt.Printf("unknown command: %s\n", parts[0])
		}
	}
}

func parseKey(parts []string) (state.ConnectorKey, bool) {
	if len(parts) < 3 {
		fmt.Println("usage: <command> <evse> <connector> ...")
		return state.ConnectorKey{}, false
	}
	evse, err1 := strconv.Atoi(parts[1])
	conn, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil {
		fmt.Println("evse and connector must be numbers")
		return state.ConnectorKey{}, false
	}
	return state.ConnectorKey{EvseID: evse, ConnectorID: conn}, true
}

func printHelp() {
	fmt.Println(`Commands:
  plug <evse> <connector>            Insert the cable
  unplug <evse> <connector>          Remove the cable
  swipe <evse> <connector> <token>   Present an ID token
  fault <evse> <connector>           Raise a connector fault
  clearfault <evse> <connector>      Clear a connector fault
  status <evse> <connector>          Show the projected status
  quit                               Shut down`)
}
