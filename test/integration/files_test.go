//go:build integration

package integration

import (
	"context"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/serverhub/internal/domain"
	"github.com/eliteGoblin/serverhub/internal/usecase"
	"github.com/eliteGoblin/serverhub/test/fixtures"
)

var _ = Describe("Backups", func() {
	var hub *fixtures.Hub

	BeforeEach(func() {
		var err error
		hub, err = fixtures.NewHub(GinkgoT().TempDir(), zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(hub.Close)
	})

	It("restores a platform file to its bytes before sync", func() {
		echo, err := hub.EchoServer("echo", "claude-desktop")
		Expect(err).NotTo(HaveOccurred())
		res, err := hub.Syncer.Install(context.Background(), echo, usecase.InstallOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Sync).To(HaveLen(1))
		Expect(res.Sync[0].Backup).NotTo(BeNil())
		Expect(readFile(hub.P2Path)).NotTo(Equal(fixtures.P2Document))

		_, err = hub.Backups.Restore(*res.Sync[0].Backup)
		Expect(err).NotTo(HaveOccurred())
		Expect(readFile(hub.P2Path)).To(Equal(fixtures.P2Document))
	})

	It("restores absence for a file that did not exist", func() {
		echo, err := hub.EchoServer("echo", "cursor")
		Expect(err).NotTo(HaveOccurred())
		res, err := hub.Syncer.Install(context.Background(), echo, usecase.InstallOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Backup).NotTo(BeNil())
		Expect(res.Backup.Existed).To(BeFalse())
		Expect(hub.Registry.Path()).To(BeARegularFile())

		_, err = hub.Backups.Restore(*res.Backup)
		Expect(err).NotTo(HaveOccurred())
		_, err = os.Stat(hub.Registry.Path())
		Expect(os.IsNotExist(err)).To(BeTrue())
	})
})

var _ = Describe("Orphans", func() {
	var (
		ctx context.Context
		hub *fixtures.Hub
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		hub, err = fixtures.NewHub(GinkgoT().TempDir(), zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(hub.Close)
	})

	It("reports entries no enabled record accounts for", func() {
		found, err := hub.Remover.FindOrphans(ctx, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(Equal(map[domain.PlatformID][]string{"claude-desktop": {"theirs"}}))
	})

	It("removes them without touching other keys", func() {
		res, err := hub.Remover.RemoveOrphans(ctx, "claude-desktop", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Backups).To(HaveLen(1))

		doc := readFile(hub.P2Path)
		Expect(doc).To(ContainSubstring(`"theme": "dark"`))
		Expect(doc).NotTo(ContainSubstring("theirs"))

		found, err := hub.Remover.FindOrphans(ctx, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeEmpty())
	})
})
