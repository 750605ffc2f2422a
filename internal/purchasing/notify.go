package purchasing

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/warocol/purchasing/internal/mail"
	"github.com/warocol/purchasing/internal/suppliers"
)

// LinkBuilder renders the supplier portal link of a tenant.
type LinkBuilder interface {
	PortalLink(ctx context.Context, tenantID uuid.UUID, token uuid.UUID) (string, error)
}

// NotifierConfig wires a Notifier.
type NotifierConfig struct {
	Sender    mail.Sender
	Suppliers SupplierDirectory
	Links     LinkBuilder
	Metrics   Recorder
	Logger    *slog.Logger
	Timeout   time.Duration
	FromEmail string
	FromName  string
}

// Notifier emails suppliers about their purchases. Every send is best-effort:
// failures are logged and counted, never returned.
type Notifier struct {
	cfg     NotifierConfig
	printer *message.Printer
}

// NewNotifier constructs a Notifier.
func NewNotifier(cfg NotifierConfig) *Notifier {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Notifier{cfg: cfg, printer: message.NewPrinter(language.LatinAmericanSpanish)}
}

type statusCopy struct {
	title   string
	message string
}

var statusCopies = map[Status]statusCopy{
	StatusConfirmed:         {"Orden Confirmada", "Tu cotización ha sido aprobada y confirmada. La orden de compra está lista para ser preparada."},
	StatusShipped:           {"Orden Enviada", "La orden ha sido marcada como enviada."},
	StatusPartiallyReceived: {"Orden Recibida Parcialmente", "El restaurante ha confirmado la recepción parcial de la orden."},
	StatusReceived:          {"Orden Recibida", "El restaurante ha confirmado la recepción de la orden."},
	StatusVerified:          {"Calidad Verificada", "El restaurante ha verificado la calidad de los productos recibidos."},
	StatusInvoiced:          {"Factura Registrada", "El restaurante ha registrado la factura de esta orden."},
	StatusPaid:              {"Pago Registrado", "El restaurante ha registrado el pago de esta orden. ¡Gracias por tu servicio!"},
	StatusCancelled:         {"Orden Cancelada", "El restaurante ha cancelado esta orden."},
	StatusOverdue:           {"Entrega Retrasada", "La fecha estimada de entrega de esta orden ya pasó y la orden aún no ha sido recibida."},
	StatusPending:           {"Cotización Completada", "Los precios de la cotización fueron registrados. La orden está pendiente de confirmación."},
}

func copyFor(status Status) statusCopy {
	if c, ok := statusCopies[status]; ok {
		return c
	}
	return statusCopy{"Actualización de Orden", "Tu orden ha sido actualizada al estado: " + string(status)}
}

// StatusChanged notifies the supplier of p about a transition.
func (n *Notifier) StatusChanged(ctx context.Context, p Purchase, entry HistoryEntry) {
	if n == nil {
		return
	}
	supplier, ok := n.supplier(ctx, p)
	if !ok {
		return
	}
	info := copyFor(entry.ToStatus)

	var b strings.Builder
	fmt.Fprintf(&b, "¡Hola %s!\n\nTu orden de compra ha sido actualizada.\n\n", supplier.Name)
	fmt.Fprintf(&b, "%s\n------------------------\n", strings.ToUpper(info.title))
	fmt.Fprintf(&b, "Número de Orden: %s\nEstado: %s\n\n%s", p.PurchaseNumber, info.title, info.message)
	if details := n.details(entry.Metadata); details != "" {
		fmt.Fprintf(&b, "\n\nDETALLES ADICIONALES\n--------------------\n%s", details)
	}
	if entry.Notes != nil && *entry.Notes != "" {
		fmt.Fprintf(&b, "\n\nNotas:\n%s", *entry.Notes)
	}
	if link := n.portalLink(ctx, p.TenantID, supplier); link != "" {
		fmt.Fprintf(&b, "\n\nVer detalles en mi portal:\n%s\n", link)
	}

	n.deliver(ctx, p, mail.Message{
		To:      supplier.Email,
		Subject: fmt.Sprintf("%s - %s", info.title, p.PurchaseNumber),
		Body:    b.String(),
	})
}

// QuotationRequested asks the supplier to price a new quotation.
func (n *Notifier) QuotationRequested(ctx context.Context, p Purchase, supplier suppliers.Supplier) {
	if n == nil || strings.TrimSpace(supplier.Email) == "" {
		return
	}
	required := "Por definir"
	if p.DeliveryDate != nil {
		required = spanishDate(*p.DeliveryDate)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "¡Hola %s!\n\nTienes una nueva solicitud de cotización.\n\n", supplier.Name)
	b.WriteString("RESUMEN DE LA COTIZACIÓN\n------------------------\n")
	fmt.Fprintf(&b, "Número de Cotización: %s\nFecha de Solicitud: %s\nFecha Requerida de Entrega: %s\n\n",
		p.PurchaseNumber, spanishDate(p.PurchaseDate), required)
	b.WriteString("PRODUCTOS SOLICITADOS\n---------------------\n")
	for i, it := range p.Items {
		name := it.IngredientName
		if name == "" {
			name = "Producto"
		}
		fmt.Fprintf(&b, "%d. %s - Cantidad: %s %s\n", i+1, name, it.Quantity.String(), it.Unit)
	}
	if p.Notes != nil && *p.Notes != "" {
		fmt.Fprintf(&b, "\nNotas:\n%s\n", *p.Notes)
	}
	if link := n.portalLink(ctx, p.TenantID, supplier); link != "" {
		fmt.Fprintf(&b, "\nAcceder a mi portal de proveedor:\n%s\n", link)
	}
	b.WriteString("\nPor favor, accede al portal para completar los precios de la cotización.\n")
	b.WriteString("\nSi no esperabas esta cotización, puedes ignorar este correo.\n")

	n.deliver(ctx, p, mail.Message{
		To:      supplier.Email,
		Subject: "Nueva Solicitud de Cotización - " + p.PurchaseNumber,
		Body:    b.String(),
	})
}

func (n *Notifier) supplier(ctx context.Context, p Purchase) (suppliers.Supplier, bool) {
	if n.cfg.Suppliers == nil {
		return suppliers.Supplier{}, false
	}
	supplier, err := n.cfg.Suppliers.Get(ctx, p.TenantID, p.SupplierID)
	if err != nil {
		n.fail(ctx, p, "supplier lookup failed", err)
		return suppliers.Supplier{}, false
	}
	if strings.TrimSpace(supplier.Email) == "" {
		n.cfg.Logger.DebugContext(ctx, "supplier has no email", slog.String("supplier_id", supplier.ID.String()))
		return suppliers.Supplier{}, false
	}
	return supplier, true
}

func (n *Notifier) portalLink(ctx context.Context, tenantID uuid.UUID, supplier suppliers.Supplier) string {
	if n.cfg.Links == nil || supplier.AccessToken == uuid.Nil {
		return ""
	}
	link, err := n.cfg.Links.PortalLink(ctx, tenantID, supplier.AccessToken)
	if err != nil {
		n.cfg.Logger.WarnContext(ctx, "portal link unavailable", slog.String("tenant_id", tenantID.String()), slog.Any("error", err))
		return ""
	}
	return link
}

// deliver sends msg detached from the request so a cancelled client does not
// abort a committed transition's notification.
func (n *Notifier) deliver(ctx context.Context, p Purchase, msg mail.Message) {
	if n.cfg.Sender == nil {
		return
	}
	msg.FromEmail = n.cfg.FromEmail
	msg.FromName = n.cfg.FromName
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.cfg.Timeout)
	defer cancel()
	if err := n.cfg.Sender.Send(sendCtx, msg); err != nil {
		n.fail(ctx, p, "supplier notification failed", err)
	}
}

func (n *Notifier) fail(ctx context.Context, p Purchase, msg string, err error) {
	n.cfg.Metrics.DependencyFailure("email")
	n.cfg.Logger.WarnContext(ctx, msg,
		slog.String("purchase_id", p.ID.String()),
		slog.String("tenant_id", p.TenantID.String()),
		slog.Any("error", err))
}

func (n *Notifier) details(meta Metadata) string {
	var b strings.Builder
	line := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, value)
		}
	}
	switch m := meta.(type) {
	case ShipMetadata:
		line("Número de Rastreo", m.TrackingNumber)
		line("Transportadora", m.Carrier)
		if m.EstimatedDeliveryDate != nil {
			line("Fecha Estimada de Entrega", spanishDate(*m.EstimatedDeliveryDate))
		}
	case ConfirmMetadata:
		if m.ConfirmationNumber != nil {
			line("Número de Confirmación", *m.ConfirmationNumber)
		}
		if m.EstimatedDeliveryDate != nil {
			line("Fecha Estimada de Entrega", spanishDate(*m.EstimatedDeliveryDate))
		}
	case InvoiceMetadata:
		line("Número de Factura", m.InvoiceNumber)
		if m.InvoiceDate != nil {
			line("Fecha de Factura", spanishDate(*m.InvoiceDate))
		}
		line("Total de Factura", n.amount(m.InvoiceAmount))
		if m.PaymentDueDate != nil {
			line("Fecha de Vencimiento", spanishDate(*m.PaymentDueDate))
		}
	case PaymentMetadata:
		line("Método de Pago", m.PaymentMethod)
		line("Referencia de Pago", m.PaymentReference)
		line("Fecha de Pago", spanishDate(m.PaymentDate))
	case CancelMetadata:
		line("Motivo de Cancelación", m.Reason)
	case OverdueMetadata:
		line("Fecha Estimada de Entrega", spanishDate(m.EstimatedDeliveryDate))
	}
	return b.String()
}

// amount formats d with two decimals. Only the integer part goes through the
// locale printer so no digit passes through a float.
func (n *Notifier) amount(d decimal.Decimal) string {
	fixed := d.StringFixed(2)
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign, fixed = "-", fixed[1:]
	}
	whole, cents, _ := strings.Cut(fixed, ".")
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return sign + "$" + fixed
	}
	return sign + "$" + n.printer.Sprint(number.Decimal(w)) + "." + cents
}

var spanishMonths = [...]string{
	"enero", "febrero", "marzo", "abril", "mayo", "junio",
	"julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre",
}

func spanishDate(t time.Time) string {
	return fmt.Sprintf("%02d de %s de %d", t.Day(), spanishMonths[t.Month()-1], t.Year())
}
