package suplog_test

import (
	"strings"

	. "github.com/dogmatiq/arbor/internal/suplog"
	"github.com/dogmatiq/arbor/internal/x/gomegax"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("type Icon", func() {
	Describe("func String()", func() {
		It("returns the icon as a string", func() {
			Expect(StartIcon.String()).To(Equal("▲"))
		})
	})

	Describe("func WriteTo()", func() {
		It("writes the icon to the writer", func() {
			w := &strings.Builder{}

			n, err := StopIcon.WriteTo(w)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(n).To(BeNumerically("==", len("▼")))
			Expect(w.String()).To(Equal("▼"))
		})

		It("writes a single space if the icon is the zero-value", func() {
			w := &strings.Builder{}

			_, err := Icon("").WriteTo(w)
			Expect(err).ShouldNot(HaveOccurred())
			Expect(w.String()).To(Equal(" "))
		})
	})

	Describe("func WithLabel()", func() {
		It("pairs the icon with the formatted label", func() {
			i := RegistryIcon.WithLabel("<%s>", "name")

			Expect(i).To(gomegax.EqualX(
				IconWithLabel{
					Icon:  RegistryIcon,
					Label: "<name>",
				},
			))
		})

		It("renders a hyphen if the label is empty", func() {
			i := RegistryIcon.WithLabel("")

			Expect(i.Label).To(Equal("-"))
		})
	})

	Describe("func WithID()", func() {
		It("truncates UUIDs to their first 8 characters", func() {
			i := HandleIDIcon.WithID("0f0db275-5b8f-4b25-b45f-7fbb1580de29")

			Expect(i.Label).To(Equal("0f0db275"))
		})

		It("displays other IDs in full", func() {
			i := ChildIDIcon.WithID("<child>")

			Expect(i.Label).To(Equal("<child>"))
		})

		It("renders IDs containing format verbs verbatim", func() {
			i := ChildIDIcon.WithID("<100%>")

			Expect(i.Label).To(Equal("<100%>"))
		})
	})
})

var _ = Describe("type IconWithLabel", func() {
	Describe("func String()", func() {
		It("returns the icon and label separated by a space", func() {
			i := ChildIDIcon.WithID("<child>")

			Expect(i.String()).To(Equal("= <child>"))
		})
	})
})

var _ = Describe("func FormatID()", func() {
	It("shortens UUIDs", func() {
		Expect(
			FormatID("0f0db275-5b8f-4b25-b45f-7fbb1580de29"),
		).To(Equal("0f0db275"))
	})

	It("leaves other IDs intact", func() {
		Expect(FormatID("<child>")).To(Equal("<child>"))
	})
})
