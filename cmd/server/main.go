package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "bazaarchat/docs"
	"bazaarchat/pkg/auth"
	"bazaarchat/pkg/chat"
	"bazaarchat/pkg/config"
	"bazaarchat/pkg/db"
	"bazaarchat/pkg/logger"
	"bazaarchat/pkg/sendemail"
)

// @title           Bazaar Chat API
// @version         1.0
// @description     Realtime buyer/seller chat for a classifieds marketplace

// @BasePath  /
// @schemes   http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, !cfg.Production())
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
	log.Info("server exiting")
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DB, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	presence, closePresence, err := newPresenceStore(ctx, cfg.Redis, log)
	if err != nil {
		return err
	}
	defer closePresence()

	broker, err := newBroker(cfg.NATS, log)
	if err != nil {
		return err
	}
	defer broker.Close()

	store := chat.NewPostgresMessageStore(pool)
	notifier := chat.NewEmailNotifier(store, sendemail.NewEmailService(cfg.Email))
	service := chat.NewService(store, broker, presence, notifier, log)

	hub := chat.NewHub(log)
	if err := broker.Subscribe(hub.Deliver); err != nil {
		return err
	}
	wsHandler := chat.NewHandler(hub, service, presence, broker, cfg.JWT, log)
	restHandler := chat.NewRESTHandler(service, presence, log)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/ws/chat", wsHandler.HandleWebSocket)
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	restHandler.RegisterRoutes(router.Group("/", auth.Middleware(cfg.JWT)))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr), zap.Bool("tls", cfg.TLS.Enable))
		err := serve(srv, cfg)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newPresenceStore(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (chat.PresenceStore, func(), error) {
	if cfg.Addr == "" {
		log.Info("presence kept in memory")
		return chat.NewMemoryPresenceStore(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("presence stored in redis", zap.String("addr", cfg.Addr))
	return chat.NewRedisPresenceStore(rdb), func() { rdb.Close() }, nil
}

func newBroker(cfg config.NATSConfig, log *zap.Logger) (chat.Broker, error) {
	if cfg.URL == "" {
		log.Info("deliveries stay in process")
		return chat.NewLocalBroker(), nil
	}
	b, err := chat.NewNATSBroker(cfg.URL, cfg.Subject, log)
	if err != nil {
		return nil, err
	}
	log.Info("deliveries fan out over nats", zap.String("subject", cfg.Subject))
	return b, nil
}

func serve(srv *http.Server, cfg config.Config) error {
	if !cfg.TLS.Enable {
		return srv.ListenAndServe()
	}

	tlsConfig, certFile, keyFile, err := buildTLSConfig(cfg)
	if err != nil {
		return fmt.Errorf("TLS setup: %w", err)
	}
	srv.TLSConfig = tlsConfig
	return srv.ListenAndServeTLS(certFile, keyFile)
}

// buildTLSConfig prefers certificate files, then inline PEM (TLS_CERT/TLS_KEY), then a
// self-signed certificate outside production.
func buildTLSConfig(cfg config.Config) (*tls.Config, string, string, error) {
	if cfg.TLS.CertPath != "" && cfg.TLS.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			return nil, "", "", err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, cfg.TLS.CertPath, cfg.TLS.KeyPath, nil
	}

	certPEM := os.Getenv("TLS_CERT")
	keyPEM := os.Getenv("TLS_KEY")
	if certPEM != "" && keyPEM != "" {
		cert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
		if err != nil {
			return nil, "", "", err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, "", "", nil
	}

	if !cfg.Production() && cfg.TLS.AllowSelfSigned {
		cert, err := generateSelfSignedCert()
		if err != nil {
			return nil, "", "", err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, "", "", nil
	}

	return nil, "", "", fmt.Errorf("no TLS certificates available")
}

// generateSelfSignedCert creates a minimal self-signed certificate for localhost usage.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return tls.Certificate{}, err
	}

	tmpl := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	return tls.X509KeyPair(certPEM, keyPEM)
}
