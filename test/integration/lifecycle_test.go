//go:build integration

package integration

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/serverhub/internal/domain"
	"github.com/eliteGoblin/serverhub/internal/usecase"
	"github.com/eliteGoblin/serverhub/test/fixtures"
)

func readFile(path string) string {
	data, err := os.ReadFile(path)
	Expect(err).NotTo(HaveOccurred())
	return string(data)
}

var _ = Describe("Server lifecycle", func() {
	var (
		ctx  context.Context
		hub  *fixtures.Hub
		echo domain.ServerRecord
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		hub, err = fixtures.NewHub(GinkgoT().TempDir(), zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(hub.Close)

		echo, err = hub.EchoServer("echo", "cursor")
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("install and sync", func() {
		It("writes P1 and leaves P2 byte-identical", func() {
			_, err := hub.Syncer.Install(ctx, echo, usecase.InstallOptions{})
			Expect(err).NotTo(HaveOccurred())

			entries, err := hub.P1.ReadEntries()
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveKey("echo"))
			Expect(readFile(hub.P2Path)).To(Equal(fixtures.P2Document))
		})

		It("does not write again when nothing changed", func() {
			_, err := hub.Syncer.Install(ctx, echo, usecase.InstallOptions{})
			Expect(err).NotTo(HaveOccurred())
			before, err := hub.Snapshot()
			Expect(err).NotTo(HaveOccurred())

			results, err := hub.Syncer.Sync(ctx, "", usecase.SyncOptions{})
			Expect(err).NotTo(HaveOccurred())
			for _, r := range results {
				Expect(r.Changed()).To(BeFalse(), "platform %s", r.Platform)
				Expect(r.Backup).To(BeNil())
			}
			Expect(hub.Snapshot()).To(Equal(before))
		})

		It("keeps secrets out of the registry and merges them into the launch env", func() {
			_, err := hub.Syncer.Install(ctx, echo, usecase.InstallOptions{
				Secrets: map[string]string{"API_TOKEN": "s3cret"},
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(readFile(hub.Registry.Path())).NotTo(ContainSubstring("s3cret"))
			entries, err := hub.P1.ReadEntries()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(entries["echo"].Raw)).To(ContainSubstring(`"API_TOKEN":"s3cret"`))
		})
	})

	Context("when the server is running", func() {
		BeforeEach(func() {
			res, err := hub.Syncer.Install(ctx, echo, usecase.InstallOptions{Start: true, ProbeTimeout: 5 * time.Second})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Process).NotTo(BeNil())
			Expect(res.Process.Status).To(Equal(domain.StatusRunning))
		})

		It("refuses complete removal without force and changes nothing", func() {
			before, err := hub.Snapshot()
			Expect(err).NotTo(HaveOccurred())

			_, err = hub.Remover.RemoveComplete(ctx, "echo", usecase.CompleteRemovalOptions{})
			Expect(err).To(MatchError(domain.ErrAlreadyRunning))

			Expect(hub.Snapshot()).To(Equal(before))
			Expect(hub.Supervisor.Status("echo").Status).To(Equal(domain.StatusRunning))
		})

		It("keeps everything in place on a forced dry run", func() {
			before, err := hub.Snapshot()
			Expect(err).NotTo(HaveOccurred())
			imp, err := hub.Remover.Impact(ctx, "echo")
			Expect(err).NotTo(HaveOccurred())

			res, err := hub.Remover.RemoveComplete(ctx, "echo", usecase.CompleteRemovalOptions{Force: true, DryRun: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.DryRun).To(BeTrue())
			for _, s := range res.Steps {
				Expect(s.Status).To(BeElementOf(domain.StepPlanned, domain.StepSkipped), "%s %s", s.Step, s.Target)
			}

			Expect(hub.Snapshot()).To(Equal(before))
			Expect(hub.Supervisor.Status("echo").Status).To(Equal(domain.StatusRunning))
			after, err := hub.Remover.Impact(ctx, "echo")
			Expect(err).NotTo(HaveOccurred())
			Expect(after.Artifacts).To(HaveLen(len(imp.Artifacts)))
			Expect(after.ReclaimableBytes).To(BeNumerically(">=", imp.ReclaimableBytes))
		})

		It("stops, unregisters and cleans up with force", func() {
			res, err := hub.Remover.RemoveComplete(ctx, "echo", usecase.CompleteRemovalOptions{Force: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Failed()).To(BeEmpty())
			Expect(res.Cleanup).NotTo(BeNil())
			Expect(res.Cleanup.FreedBytes).To(BeNumerically(">", 0))

			Expect(hub.Supervisor.Status("echo").Status.Live()).To(BeFalse())
			_, err = hub.Registry.Get("echo")
			Expect(err).To(MatchError(domain.ErrNotFound))
			entries, err := hub.P1.ReadEntries()
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).NotTo(HaveKey("echo"))
			Expect(echo.InstallPath).NotTo(BeADirectory())
			Expect(readFile(hub.P2Path)).To(Equal(fixtures.P2Document))

			history, err := hub.Journal.Recent(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(history[0].Op).To(Equal(usecase.OpRemoveServer))
			Expect(history[0].Outcome).To(Equal(domain.OutcomeOK))
		})
	})
})
