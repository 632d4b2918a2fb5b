package spool

import (
	"github.com/juju/errors"
	ipp "github.com/phin1x/go-ipp"

	"github.com/printpay/kiosk/log2"
)

// IPP enum values, RFC 8011.
const (
	ippPrinterIdle = 3

	ippJobCompleted = 9
)

type CupsConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	TLS      bool
}

// CupsSpooler talks to a CUPS server over IPP.
type CupsSpooler struct {
	log    *log2.Log
	client *ipp.CUPSClient
}

func NewCups(c CupsConfig, log *log2.Log) *CupsSpooler {
	return &CupsSpooler{
		log:    log,
		client: ipp.NewCUPSClient(c.Host, c.Port, c.User, c.Password, c.TLS),
	}
}

func (cs *CupsSpooler) Printers() ([]Printer, error) {
	attrs, err := cs.client.GetPrinters([]string{"printer-name", "printer-state", "printer-is-accepting-jobs"})
	if err != nil {
		return nil, errors.Annotate(err, "cups get-printers")
	}
	out := make([]Printer, 0, len(attrs))
	for name, pa := range attrs {
		p := Printer{
			Name:      name,
			Idle:      attrInt(pa, "printer-state") == ippPrinterIdle,
			Accepting: attrBool(pa, "printer-is-accepting-jobs"),
		}
		cs.log.Debugf("cups printer=%s idle=%t accepting=%t", p.Name, p.Idle, p.Accepting)
		out = append(out, p)
	}
	return out, nil
}

func (cs *CupsSpooler) Submit(printer, documentPath string, copies int, media string) (int, error) {
	jobAttrs := map[string]interface{}{
		"copies": copies,
	}
	if media != "" {
		jobAttrs["media"] = media
	}
	id, err := cs.client.PrintFile(documentPath, printer, jobAttrs)
	if err != nil {
		return 0, errors.Annotatef(err, "cups print-file printer=%s doc=%s", printer, documentPath)
	}
	return id, nil
}

func (cs *CupsSpooler) JobActive(h JobHandle) (bool, error) {
	jobs, err := cs.client.GetJobs(h.Printer, "", "not-completed", false, 0, 0, []string{"job-state"})
	if err != nil {
		return false, errors.Annotatef(err, "cups get-jobs active printer=%s", h.Printer)
	}
	_, ok := jobs[h.ID]
	return ok, nil
}

func (cs *CupsSpooler) JobCompletedOK(h JobHandle) (bool, error) {
	jobs, err := cs.client.GetJobs(h.Printer, "", "completed", false, 0, 0, []string{"job-state"})
	if err != nil {
		return false, errors.Annotatef(err, "cups get-jobs completed printer=%s", h.Printer)
	}
	ja, ok := jobs[h.ID]
	if !ok {
		// neither active nor completed: canceled/aborted and purged
		return false, nil
	}
	return attrInt(ja, "job-state") == ippJobCompleted, nil
}

func attrInt(attrs ipp.Attributes, name string) int {
	if vs, ok := attrs[name]; ok && len(vs) > 0 {
		switch v := vs[0].Value.(type) {
		case int:
			return v
		case int32:
			return int(v)
		}
	}
	return -1
}

func attrBool(attrs ipp.Attributes, name string) bool {
	if vs, ok := attrs[name]; ok && len(vs) > 0 {
		if v, ok := vs[0].Value.(bool); ok {
			return v
		}
	}
	return false
}

var _ Spooler = (*CupsSpooler)(nil)
