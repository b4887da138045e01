package blobstore_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/afoxnyc3/invoice-agent/pkg/blobstore"
)

func TestBlobStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "BlobStore Suite")
}

var _ = Describe("MemoryStore", func() {
	var (
		store *blobstore.MemoryStore
		ctx   context.Context
	)

	BeforeEach(func() {
		store = blobstore.NewMemoryStore()
		ctx = context.Background()
	})

	It("round-trips bytes written with Put", func() {
		Expect(store.Put(ctx, "raw/tx-1.pdf", []byte("pdf-bytes"))).To(Succeed())

		got, err := store.Get(ctx, "raw/tx-1.pdf")
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]byte("pdf-bytes")))
	})

	It("returns NotFound for a key never written", func() {
		_, err := store.Get(ctx, "raw/missing.pdf")
		Expect(err).To(HaveOccurred())
	})

	It("is write-once: a second Put for the same key does not overwrite", func() {
		Expect(store.Put(ctx, "raw/tx-1.pdf", []byte("first"))).To(Succeed())
		Expect(store.Put(ctx, "raw/tx-1.pdf", []byte("second"))).To(Succeed())

		got, err := store.Get(ctx, "raw/tx-1.pdf")
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]byte("first")))
	})

	It("produces a SignedURL only for a key that exists", func() {
		_, err := store.SignedURL(ctx, "raw/missing.pdf", time.Minute)
		Expect(err).To(HaveOccurred())

		Expect(store.Put(ctx, "raw/tx-1.pdf", []byte("data"))).To(Succeed())
		url, err := store.SignedURL(ctx, "raw/tx-1.pdf", time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(url).To(ContainSubstring("raw/tx-1.pdf"))
	})
})
