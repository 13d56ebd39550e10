package repository

import (
	"fmt"

	"github.com/visioncare/be-screening-workflow/internal/apperrors"
)

// StepPayload is the typed view of a step's data map. Each pipeline step has
// its own variant; fields the variant does not know about land in Extra so
// forward-compatible writers are never rejected.
//
// The persisted and logged form of step data stays the flat field map; the
// variants exist to type-check incoming patches and to produce per-step
// validation findings.
type StepPayload interface {
	// Validate returns semantic findings (range violations and the like).
	// Findings do not reject a draft save; they block completion.
	Validate() []string
}

// DecodePayload builds the variant for a step from its flat field map. A
// known field carrying the wrong JSON type is a validation error.
func DecodePayload(step Step, fields map[string]any) (StepPayload, error) {
	d := &payloadDecoder{fields: fields}
	var p StepPayload
	switch step {
	case StepRegistration:
		p = d.registration()
	case StepInitialAssessment:
		p = d.initialAssessment()
	case StepVisionTesting:
		p = d.visionTesting()
	case StepAutoRefraction:
		p = d.autoRefraction()
	case StepClinicalEvaluation:
		p = d.clinicalEvaluation()
	case StepDoctorDiagnosis:
		p = d.doctorDiagnosis()
	case StepPrescription:
		p = d.prescription()
	case StepQualityCheck:
		p = d.qualityCheck()
	case StepFinalApproval:
		p = d.finalApproval()
	default:
		return nil, apperrors.InvalidInput("step", fmt.Sprintf("unknown step %q", step))
	}
	if d.err != nil {
		return nil, d.err
	}
	return p, nil
}

// RegistrationData is the payload for the registration step.
type RegistrationData struct {
	FullName      string
	DateOfBirth   string
	Gender        string
	SchoolName    string
	ContactNumber string
	Extra         map[string]any
}

func (d *RegistrationData) Validate() []string { return nil }

// InitialAssessmentData is the payload for the initial assessment step.
type InitialAssessmentData struct {
	ChiefComplaint string
	Acuity         string
	History        string
	Extra          map[string]any
}

func (d *InitialAssessmentData) Validate() []string { return nil }

// VisionTestingData is the payload for the vision testing step.
type VisionTestingData struct {
	UnaidedRight string
	UnaidedLeft  string
	AidedRight   string
	AidedLeft    string
	ColorVision  string
	Extra        map[string]any
}

func (d *VisionTestingData) Validate() []string { return nil }

// AutoRefractionData is the payload for the auto refraction step.
type AutoRefractionData struct {
	SphereRight   *float64
	SphereLeft    *float64
	CylinderRight *float64
	CylinderLeft  *float64
	AxisRight     *float64
	AxisLeft      *float64
	Extra         map[string]any
}

func (d *AutoRefractionData) Validate() []string {
	var findings []string
	findings = appendAxisFinding(findings, "axis_right", d.AxisRight)
	findings = appendAxisFinding(findings, "axis_left", d.AxisLeft)
	return findings
}

func appendAxisFinding(findings []string, field string, axis *float64) []string {
	if axis != nil && (*axis < 0 || *axis > 180) {
		findings = append(findings, fmt.Sprintf("%s must be between 0 and 180", field))
	}
	return findings
}

// ClinicalEvaluationData is the payload for the clinical evaluation step.
type ClinicalEvaluationData struct {
	AnteriorSegment  string
	PosteriorSegment string
	IOPRight         *float64
	IOPLeft          *float64
	Findings         string
	Extra            map[string]any
}

func (d *ClinicalEvaluationData) Validate() []string {
	var findings []string
	if d.IOPRight != nil && *d.IOPRight < 0 {
		findings = append(findings, "iop_right must not be negative")
	}
	if d.IOPLeft != nil && *d.IOPLeft < 0 {
		findings = append(findings, "iop_left must not be negative")
	}
	return findings
}

// DoctorDiagnosisData is the payload for the doctor diagnosis step.
type DoctorDiagnosisData struct {
	Diagnosis        string
	ICDCode          string
	Severity         string
	ReferralRequired *bool
	Notes            string
	Extra            map[string]any
}

func (d *DoctorDiagnosisData) Validate() []string {
	switch d.Severity {
	case "", "mild", "moderate", "severe":
		return nil
	}
	return []string{"severity must be one of mild, moderate, severe"}
}

// PrescriptionData is the payload for the prescription step.
type PrescriptionData struct {
	SphereRight     *float64
	SphereLeft      *float64
	CylinderRight   *float64
	CylinderLeft    *float64
	AxisRight       *float64
	AxisLeft        *float64
	GlassesRequired *bool
	Remarks         string
	Extra           map[string]any
}

func (d *PrescriptionData) Validate() []string {
	var findings []string
	findings = appendAxisFinding(findings, "axis_right", d.AxisRight)
	findings = appendAxisFinding(findings, "axis_left", d.AxisLeft)
	return findings
}

// QualityCheckData is the payload for the quality check step.
type QualityCheckData struct {
	Score  *float64 // 0..100
	Passed *bool
	Notes  string
	Extra  map[string]any
}

func (d *QualityCheckData) Validate() []string {
	if d.Score != nil && (*d.Score < 0 || *d.Score > 100) {
		return []string{"score must be between 0 and 100"}
	}
	return nil
}

// FinalApprovalData is the payload for the final approval step.
type FinalApprovalData struct {
	Summary          string
	FollowUpRequired *bool
	FollowUpDate     string
	Extra            map[string]any
}

func (d *FinalApprovalData) Validate() []string { return nil }

// ── decoding ──────────────────────────────────────────────────────────────────

// payloadDecoder pulls typed fields out of a flat map, collecting the first
// type mismatch as a validation error and everything unclaimed into Extra.
type payloadDecoder struct {
	fields map[string]any
	seen   map[string]bool
	err    error
}

func (d *payloadDecoder) str(key string) string {
	v, ok := d.take(key)
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		d.mismatch(key, "string")
		return ""
	}
	return s
}

func (d *payloadDecoder) num(key string) *float64 {
	v, ok := d.take(key)
	if !ok || v == nil {
		return nil
	}
	switch n := v.(type) {
	case float64:
		return &n
	case int:
		f := float64(n)
		return &f
	case int64:
		f := float64(n)
		return &f
	}
	d.mismatch(key, "number")
	return nil
}

func (d *payloadDecoder) boolean(key string) *bool {
	v, ok := d.take(key)
	if !ok || v == nil {
		return nil
	}
	b, ok := v.(bool)
	if !ok {
		d.mismatch(key, "boolean")
		return nil
	}
	return &b
}

func (d *payloadDecoder) take(key string) (any, bool) {
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	d.seen[key] = true
	v, ok := d.fields[key]
	return v, ok
}

func (d *payloadDecoder) mismatch(key, want string) {
	if d.err == nil {
		d.err = apperrors.InvalidInput(key, fmt.Sprintf("expected %s, got %T", want, d.fields[key]))
	}
}

func (d *payloadDecoder) extra() map[string]any {
	var extra map[string]any
	for k, v := range d.fields {
		if d.seen[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = v
	}
	return extra
}

func (d *payloadDecoder) registration() *RegistrationData {
	p := &RegistrationData{
		FullName:      d.str("full_name"),
		DateOfBirth:   d.str("date_of_birth"),
		Gender:        d.str("gender"),
		SchoolName:    d.str("school_name"),
		ContactNumber: d.str("contact_number"),
	}
	p.Extra = d.extra()
	return p
}

func (d *payloadDecoder) initialAssessment() *InitialAssessmentData {
	p := &InitialAssessmentData{
		ChiefComplaint: d.str("chief_complaint"),
		Acuity:         d.str("acuity"),
		History:        d.str("history"),
	}
	p.Extra = d.extra()
	return p
}

func (d *payloadDecoder) visionTesting() *VisionTestingData {
	p := &VisionTestingData{
		UnaidedRight: d.str("unaided_right"),
		UnaidedLeft:  d.str("unaided_left"),
		AidedRight:   d.str("aided_right"),
		AidedLeft:    d.str("aided_left"),
		ColorVision:  d.str("color_vision"),
	}
	p.Extra = d.extra()
	return p
}

func (d *payloadDecoder) autoRefraction() *AutoRefractionData {
	p := &AutoRefractionData{
		SphereRight:   d.num("sphere_right"),
		SphereLeft:    d.num("sphere_left"),
		CylinderRight: d.num("cylinder_right"),
		CylinderLeft:  d.num("cylinder_left"),
		AxisRight:     d.num("axis_right"),
		AxisLeft:      d.num("axis_left"),
	}
	p.Extra = d.extra()
	return p
}

func (d *payloadDecoder) clinicalEvaluation() *ClinicalEvaluationData {
	p := &ClinicalEvaluationData{
		AnteriorSegment:  d.str("anterior_segment"),
		PosteriorSegment: d.str("posterior_segment"),
		IOPRight:         d.num("iop_right"),
		IOPLeft:          d.num("iop_left"),
		Findings:         d.str("findings"),
	}
	p.Extra = d.extra()
	return p
}

func (d *payloadDecoder) doctorDiagnosis() *DoctorDiagnosisData {
	p := &DoctorDiagnosisData{
		Diagnosis:        d.str("diagnosis"),
		ICDCode:          d.str("icd_code"),
		Severity:         d.str("severity"),
		ReferralRequired: d.boolean("referral_required"),
		Notes:            d.str("notes"),
	}
	p.Extra = d.extra()
	return p
}

func (d *payloadDecoder) prescription() *PrescriptionData {
	p := &PrescriptionData{
		SphereRight:     d.num("sphere_right"),
		SphereLeft:      d.num("sphere_left"),
		CylinderRight:   d.num("cylinder_right"),
		CylinderLeft:    d.num("cylinder_left"),
		AxisRight:       d.num("axis_right"),
		AxisLeft:        d.num("axis_left"),
		GlassesRequired: d.boolean("glasses_required"),
		Remarks:         d.str("remarks"),
	}
	p.Extra = d.extra()
	return p
}

func (d *payloadDecoder) qualityCheck() *QualityCheckData {
	p := &QualityCheckData{
		Score:  d.num("score"),
		Passed: d.boolean("passed"),
		Notes:  d.str("notes"),
	}
	p.Extra = d.extra()
	return p
}

func (d *payloadDecoder) finalApproval() *FinalApprovalData {
	p := &FinalApprovalData{
		Summary:          d.str("summary"),
		FollowUpRequired: d.boolean("follow_up_required"),
		FollowUpDate:     d.str("follow_up_date"),
	}
	p.Extra = d.extra()
	return p
}
