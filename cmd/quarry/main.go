package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/quarrydev/quarry/internal/agent"
	"github.com/quarrydev/quarry/internal/config"
	"github.com/quarrydev/quarry/internal/store"
	"github.com/quarrydev/quarry/internal/web"
)

func main() {
	configPath := flag.String("config", "quarry.yaml", "path to the agent configuration file")
	listenAddr := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	// Load .env file
	config.LoadEnv()

	fmt.Println(`  ██████╗ ██╗   ██╗ █████╗ ██████╗ ██████╗ ██╗   ██╗`)
	fmt.Println(`  ██╔═══██╗██║   ██║██╔══██╗██╔══██╗██╔══██╗╚██╗ ██╔╝`)
	fmt.Println(`  ██║   ██║██║   ██║███████║██████╔╝██████╔╝ ╚████╔╝ `)
	fmt.Println(`  ██║▄▄ ██║██║   ██║██╔══██║██╔══██╗██╔══██╗  ╚██╔╝  `)
	fmt.Println(`  ╚██████╔╝╚██████╔╝██║  ██║██║  ██║██║  ██║   ██║   `)
	fmt.Println(`   ╚══▀▀═╝  ╚═════╝ ╚═╝  ╚═╝╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝   `)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	if mc, err := cfg.ModelConfig(""); err != nil {
		log.Printf("⚠️  No model configured: %v (set QUARRY_MODEL or edit %s)", err, *configPath)
	} else {
		fmt.Printf("🤖 Model: %s (%s)\n", mc.Model, mc.Provider)
	}
	if cfg.SkillsDir != "" {
		fmt.Printf("📚 Skills: %s\n", cfg.SkillsDir)
	}
	if cfg.MCPConfig != "" {
		if _, err := os.Stat(cfg.MCPConfig); err != nil {
			log.Printf("⚠️  MCP config %q not readable: %v", cfg.MCPConfig, err)
		} else {
			fmt.Printf("🔌 MCP config: %s\n", cfg.MCPConfig)
		}
	}

	st := store.NewMemStore()
	driver := agent.New(cfg, st)
	defer driver.Shutdown()

	server := web.NewServer(web.NewAgentHandler(driver, st))
	if err := server.Start(cfg.ListenAddr); err != nil {
		log.Fatalf("❌ Server error: %v", err)
	}
}
